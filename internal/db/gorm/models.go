package gorm

import (
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/promptcluster/pkg/models"
)

// Prompt is one stored prompt record. ID preserves import order.
type Prompt struct {
	UserID          string `gorm:"index:idx_prompts_user;not null;size:191"`
	PromptText      string `gorm:"type:text;not null"`
	PreviewRef      string `gorm:"type:text"`
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	SubmittedAtNano int64  `gorm:"not null"`
	CreatedAtEpoch  int64  `gorm:"index:idx_prompts_created,sort:desc;not null"`
	Saved           bool   `gorm:"default:false"`
}

func (Prompt) TableName() string { return "prompts" }

// BeforeCreate hook to ensure timestamps are set.
func (p *Prompt) BeforeCreate(tx *gorm.DB) error {
	if p.CreatedAtEpoch == 0 {
		p.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

func promptFromRecord(r models.PromptRecord) Prompt {
	return Prompt{
		UserID:          r.UserID,
		PromptText:      r.Text,
		PreviewRef:      r.PreviewRef,
		SubmittedAtNano: r.Timestamp.UnixNano(),
		Saved:           r.Saved,
	}
}

func (p Prompt) toRecord() models.PromptRecord {
	return models.PromptRecord{
		UserID:     p.UserID,
		Text:       p.PromptText,
		PreviewRef: p.PreviewRef,
		Timestamp:  time.Unix(0, p.SubmittedAtNano).UTC(),
		Saved:      p.Saved,
	}
}

// Analysis is a stored analysis result. The full result is kept as JSON;
// the scalar columns support listing without decoding it.
type Analysis struct {
	ID             string  `gorm:"primaryKey;size:36"`
	UserID         string  `gorm:"index:idx_analyses_user_created,priority:1;not null;size:191"`
	ModelVersion   string  `gorm:"not null"`
	ResultJSON     string  `gorm:"type:text;not null"`
	Threshold      float64 `gorm:"not null"`
	PromptCount    int     `gorm:"not null"`
	ClusterCount   int     `gorm:"not null"`
	CreatedAtEpoch int64   `gorm:"index:idx_analyses_user_created,priority:2,sort:desc;not null"`
}

func (Analysis) TableName() string { return "analyses" }
