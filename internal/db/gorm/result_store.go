package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/thebtf/promptcluster/pkg/models"
)

// MaxResultsPerUser is how many analyses are kept per user; older ones are pruned on save.
const MaxResultsPerUser = 20

// ErrNotFound is returned when no stored analysis matches.
var ErrNotFound = errors.New("not found")

// ResultStore persists analysis results.
type ResultStore struct {
	store *Store
	db    *gorm.DB
}

// NewResultStore creates a new result store.
func NewResultStore(store *Store) *ResultStore {
	return &ResultStore{store: store, db: store.DB}
}

// SaveResult stores an analysis and prunes the user's oldest analyses
// beyond MaxResultsPerUser.
func (s *ResultStore) SaveResult(ctx context.Context, result *models.AnalysisResult) error {
	if result == nil || result.ID == "" {
		return fmt.Errorf("save result: missing analysis id")
	}

	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}

	row := &Analysis{
		ID:             result.ID,
		UserID:         result.UserID,
		ModelVersion:   result.ModelVersion,
		ResultJSON:     string(body),
		Threshold:      result.Threshold,
		PromptCount:    result.Stats.PromptCount,
		ClusterCount:   result.Stats.ClusterCount,
		CreatedAtEpoch: result.CreatedAt.UnixMilli(),
	}

	ctx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "save_result")
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}

		var keep []string
		err := tx.Model(&Analysis{}).
			Where("user_id = ?", result.UserID).
			Order("created_at_epoch DESC, id DESC").
			Limit(MaxResultsPerUser).
			Pluck("id", &keep).Error
		if err != nil {
			return err
		}
		return tx.Where("user_id = ? AND id NOT IN ?", result.UserID, keep).Delete(&Analysis{}).Error
	})
}

// LatestResult returns the most recent analysis of a user, or ErrNotFound.
func (s *ResultStore) LatestResult(ctx context.Context, userID string) (*models.AnalysisResult, error) {
	ctx, cancel := s.store.WithTimeout(ctx, DefaultQueryTimeout, "latest_result")
	defer cancel()

	var row Analysis
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at_epoch DESC, id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(row.ResultJSON), &result); err != nil {
		return nil, fmt.Errorf("decode analysis %s: %w", row.ID, err)
	}
	return &result, nil
}

// CountResults returns how many analyses are stored for a user.
func (s *ResultStore) CountResults(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Analysis{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// DeleteResultsBefore removes analyses created before cutoff.
func (s *ResultStore) DeleteResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "delete_results_before")
	defer cancel()

	res := s.db.WithContext(ctx).
		Where("created_at_epoch < ?", cutoff.UnixMilli()).
		Delete(&Analysis{})
	return res.RowsAffected, res.Error
}

// DeleteOrphanResults removes analyses of users that no longer have stored prompts.
func (s *ResultStore) DeleteOrphanResults(ctx context.Context) (int64, error) {
	ctx, cancel := s.store.WithTimeout(ctx, SlowQueryTimeout, "delete_orphan_results")
	defer cancel()

	users := s.db.Model(&Prompt{}).Distinct("user_id")
	res := s.db.WithContext(ctx).
		Where("user_id NOT IN (?)", users).
		Delete(&Analysis{})
	return res.RowsAffected, res.Error
}
