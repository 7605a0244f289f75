// Package maintenance provides scheduled cleanup of stored analyses.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/promptcluster/internal/config"
	"github.com/thebtf/promptcluster/internal/db/gorm"
)

// DefaultInitialDelay lets the worker settle before the first run.
const DefaultInitialDelay = 5 * time.Minute

// StoreFunc returns the current database, or nil while it is unavailable.
type StoreFunc func() *gorm.Store

// Options configures a Service.
type Options struct {
	Now          func() time.Time
	Interval     time.Duration
	InitialDelay time.Duration
	// Retention is the age after which analyses are deleted. Zero keeps them.
	Retention time.Duration
	Enabled   bool
}

// OptionsFromConfig derives scheduler options from the settings.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Enabled:      cfg.MaintenanceEnabled,
		Interval:     time.Duration(cfg.MaintenanceIntervalHours) * time.Hour,
		InitialDelay: DefaultInitialDelay,
		Retention:    time.Duration(cfg.ResultRetentionDays) * 24 * time.Hour,
	}
}

// Report is the outcome of one maintenance run.
type Report struct {
	StartedAt     time.Time     `json:"started_at"`
	Errors        []string      `json:"errors,omitempty"`
	ExpiredPruned int64         `json:"expired_pruned"`
	OrphansPruned int64         `json:"orphans_pruned"`
	Duration      time.Duration `json:"duration_ns"`
	Optimized     bool          `json:"optimized"`
	Skipped       bool          `json:"skipped,omitempty"`
}

// Stats summarizes the scheduler state.
type Stats struct {
	LastRun       time.Time `json:"last_run"`
	Enabled       bool      `json:"enabled"`
	Running       bool      `json:"running"`
	IntervalHours float64   `json:"interval_hours"`
	RetentionDays float64   `json:"retention_days"`
	Runs          int64     `json:"runs"`
	TotalPruned   int64     `json:"total_pruned"`
	LastDuration  int64     `json:"last_duration_ms"`
}

// Service runs cleanup tasks on a fixed interval.
type Service struct {
	log     zerolog.Logger
	storeFn StoreFunc
	opts    Options

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	runMu sync.Mutex // serializes runs

	mu          sync.Mutex
	running     bool
	lastRun     time.Time
	lastElapsed time.Duration
	runs        int64
	totalPruned int64
}

// NewService creates a maintenance service. storeFn is consulted on every
// run so a reopened database is picked up.
func NewService(storeFn StoreFunc, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Interval < time.Minute {
		opts.Interval = time.Hour
	}
	return &Service{
		log:     log.With().Str("component", "maintenance").Logger(),
		storeFn: storeFn,
		opts:    opts,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start runs the scheduler until ctx is cancelled or Stop is called.
// It blocks; callers run it in a goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	if !s.opts.Enabled {
		s.log.Info().Msg("Maintenance disabled, not starting scheduler")
		return
	}

	s.log.Info().
		Dur("interval", s.opts.Interval).
		Dur("retention", s.opts.Retention).
		Msg("Starting maintenance scheduler")

	if !s.sleep(ctx, s.opts.InitialDelay) {
		return
	}
	s.RunNow(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Maintenance shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Maintenance shutting down due to stop signal")
			return
		case <-ticker.C:
			s.RunNow(ctx)
		}
	}
}

// sleep waits d, returning false if the service was stopped meanwhile.
func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	}
}

// Stop signals the scheduler to exit. It is safe to call more than once
// and before Start.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Wait blocks until Start has returned.
func (s *Service) Wait() {
	<-s.doneCh
}

// RunNow executes all tasks once and returns what they did. Task failures
// are logged and reported; they do not stop the remaining tasks.
func (s *Service) RunNow(ctx context.Context) Report {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := s.opts.Now()
	report := Report{StartedAt: start}

	store := s.storeFn()
	if store == nil {
		report.Skipped = true
		s.log.Debug().Msg("Database unavailable, maintenance run skipped")
		return report
	}
	results := gorm.NewResultStore(store)

	if s.opts.Retention > 0 {
		n, err := results.DeleteResultsBefore(ctx, start.Add(-s.opts.Retention))
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to prune expired analyses")
			report.Errors = append(report.Errors, err.Error())
		}
		report.ExpiredPruned = n
	}

	n, err := results.DeleteOrphanResults(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to prune orphaned analyses")
		report.Errors = append(report.Errors, err.Error())
	}
	report.OrphansPruned = n

	if err := store.Optimize(ctx); err != nil {
		s.log.Error().Err(err).Msg("Failed to optimize database")
		report.Errors = append(report.Errors, err.Error())
	} else {
		report.Optimized = true
	}

	report.Duration = s.opts.Now().Sub(start)

	s.mu.Lock()
	s.lastRun = start
	s.lastElapsed = report.Duration
	s.runs++
	s.totalPruned += report.ExpiredPruned + report.OrphansPruned
	s.mu.Unlock()

	s.log.Info().
		Dur("duration", report.Duration).
		Int64("expired", report.ExpiredPruned).
		Int64("orphans", report.OrphansPruned).
		Msg("Maintenance run completed")
	return report
}

// Stats returns scheduler statistics.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Enabled:       s.opts.Enabled,
		Running:       s.running,
		IntervalHours: s.opts.Interval.Hours(),
		RetentionDays: s.opts.Retention.Hours() / 24,
		LastRun:       s.lastRun,
		LastDuration:  s.lastElapsed.Milliseconds(),
		Runs:          s.runs,
		TotalPruned:   s.totalPruned,
	}
}
