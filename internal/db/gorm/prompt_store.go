package gorm

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/thebtf/promptcluster/pkg/models"
)

// insertBatchSize bounds the rows per INSERT statement.
const insertBatchSize = 500

// UserCount is a user together with the number of stored prompts.
type UserCount struct {
	UserID      string `json:"user_id" yaml:"user_id"`
	PromptCount int    `json:"prompt_count" yaml:"prompt_count"`
}

// PromptStore provides prompt record operations using GORM.
type PromptStore struct {
	store *Store
	db    *gorm.DB
}

// NewPromptStore creates a new prompt store.
func NewPromptStore(store *Store) *PromptStore {
	return &PromptStore{store: store, db: store.DB}
}

// SavePrompts appends records in the given order.
func (s *PromptStore) SavePrompts(ctx context.Context, records []models.PromptRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "save_prompts")
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insertPrompts(tx, records)
	})
}

// ReplacePrompts deletes every stored prompt of the users present in records,
// then stores records. Users absent from records are left untouched.
func (s *PromptStore) ReplacePrompts(ctx context.Context, records []models.PromptRecord) error {
	ctx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "replace_prompts")
	defer cancel()

	users := make([]string, 0)
	seen := make(map[string]bool)
	for _, r := range records {
		if !seen[r.UserID] {
			seen[r.UserID] = true
			users = append(users, r.UserID)
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(users) > 0 {
			if err := tx.Where("user_id IN ?", users).Delete(&Prompt{}).Error; err != nil {
				return fmt.Errorf("delete previous prompts: %w", err)
			}
		}
		return insertPrompts(tx, records)
	})
}

func insertPrompts(tx *gorm.DB, records []models.PromptRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]Prompt, len(records))
	for i, r := range records {
		rows[i] = promptFromRecord(r)
	}
	if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert prompts: %w", err)
	}
	return nil
}

// ListUsers returns users with at least minPrompts stored prompts,
// most active first.
func (s *PromptStore) ListUsers(ctx context.Context, minPrompts int) ([]UserCount, error) {
	ctx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "list_users")
	defer cancel()

	if minPrompts < 1 {
		minPrompts = 1
	}

	users := make([]UserCount, 0)
	err := s.db.WithContext(ctx).
		Model(&Prompt{}).
		Select("user_id, COUNT(*) AS prompt_count").
		Group("user_id").
		Having("COUNT(*) >= ?", minPrompts).
		Order("prompt_count DESC, user_id ASC").
		Scan(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

// GetUserPrompts returns a user's prompts in the order they were stored.
// An unknown user yields an empty slice.
func (s *PromptStore) GetUserPrompts(ctx context.Context, userID string) ([]models.PromptRecord, error) {
	ctx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "get_user_prompts")
	defer cancel()

	var rows []Prompt
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	records := make([]models.PromptRecord, len(rows))
	for i, row := range rows {
		records[i] = row.toRecord()
	}
	return records, nil
}

// CountPrompts returns the total number of stored prompts.
func (s *PromptStore) CountPrompts(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Prompt{}).Count(&n).Error
	return n, err
}

// DeleteUser removes a user's prompts and analyses. Returns the number of prompts deleted.
func (s *PromptStore) DeleteUser(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "delete_user")
	defer cancel()

	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("user_id = ?", userID).Delete(&Prompt{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return tx.Where("user_id = ?", userID).Delete(&Analysis{}).Error
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
