package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/promptcluster/internal/config"
	"github.com/thebtf/promptcluster/internal/db/gorm"
	"github.com/thebtf/promptcluster/pkg/models"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *gorm.Store {
	t.Helper()
	store, err := gorm.NewStore(gorm.Config{
		Path:     filepath.Join(t.TempDir(), "maintenance.db"),
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func analysis(id, user string, at time.Time) *models.AnalysisResult {
	return &models.AnalysisResult{
		ID:           id,
		UserID:       user,
		ModelVersion: "hash-v1",
		Threshold:    0.9,
		CreatedAt:    at,
	}
}

func TestRunNow(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	prompts := gorm.NewPromptStore(store)
	results := gorm.NewResultStore(store)

	require.NoError(t, prompts.SavePrompts(ctx, []models.PromptRecord{
		{UserID: "alice", Text: "a cat on a sofa", Timestamp: now},
	}))
	require.NoError(t, results.SaveResult(ctx, analysis("expired", "alice", now.AddDate(0, 0, -40))))
	require.NoError(t, results.SaveResult(ctx, analysis("fresh", "alice", now.AddDate(0, 0, -1))))
	require.NoError(t, results.SaveResult(ctx, analysis("orphan", "bob", now.AddDate(0, 0, -1))))

	svc := NewService(func() *gorm.Store { return store }, Options{
		Enabled:   true,
		Retention: 30 * 24 * time.Hour,
		Now:       func() time.Time { return now },
	})

	report := svc.RunNow(ctx)
	assert.Empty(t, report.Errors)
	assert.Equal(t, int64(1), report.ExpiredPruned)
	assert.Equal(t, int64(1), report.OrphansPruned)
	assert.True(t, report.Optimized)
	assert.False(t, report.Skipped)

	latest, err := results.LatestResult(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "fresh", latest.ID)
	_, err = results.LatestResult(ctx, "bob")
	assert.ErrorIs(t, err, gorm.ErrNotFound)

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(2), stats.TotalPruned)
	assert.Equal(t, now, stats.LastRun)
	assert.InDelta(t, 30, stats.RetentionDays, 1e-9)
}

func TestRunNow_ZeroRetentionKeepsResults(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, gorm.NewPromptStore(store).SavePrompts(ctx, []models.PromptRecord{
		{UserID: "alice", Text: "a cat", Timestamp: now},
	}))
	require.NoError(t, gorm.NewResultStore(store).SaveResult(ctx, analysis("ancient", "alice", now.AddDate(-5, 0, 0))))

	svc := NewService(func() *gorm.Store { return store }, Options{Enabled: true, Now: func() time.Time { return now }})
	report := svc.RunNow(ctx)
	assert.Zero(t, report.ExpiredPruned)
	assert.Zero(t, report.OrphansPruned)
}

func TestRunNow_NoStore(t *testing.T) {
	svc := NewService(func() *gorm.Store { return nil }, Options{Enabled: true})
	report := svc.RunNow(context.Background())
	assert.True(t, report.Skipped)
	assert.Zero(t, svc.Stats().Runs)
}

func TestStart_Disabled(t *testing.T) {
	svc := NewService(func() *gorm.Store { return nil }, Options{Enabled: false})

	done := make(chan struct{})
	go func() {
		svc.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler did not return")
	}
	svc.Wait()
}

func TestStart_StopDuringInitialDelay(t *testing.T) {
	svc := NewService(func() *gorm.Store { return nil }, Options{Enabled: true, InitialDelay: time.Hour})

	go svc.Start(context.Background())
	require.Eventually(t, func() bool { return svc.Stats().Running }, time.Second, 5*time.Millisecond)

	svc.Stop()
	svc.Stop()
	svc.Wait()
	assert.False(t, svc.Stats().Running)
	assert.Zero(t, svc.Stats().Runs)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MaintenanceIntervalHours = 6
	cfg.ResultRetentionDays = 7

	opts := OptionsFromConfig(cfg)
	assert.True(t, opts.Enabled)
	assert.Equal(t, 6*time.Hour, opts.Interval)
	assert.Equal(t, 7*24*time.Hour, opts.Retention)
	assert.Equal(t, DefaultInitialDelay, opts.InitialDelay)
}
