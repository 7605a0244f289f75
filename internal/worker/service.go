package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/promptcluster/internal/analysis"
	"github.com/thebtf/promptcluster/internal/config"
	"github.com/thebtf/promptcluster/internal/db/gorm"
	"github.com/thebtf/promptcluster/internal/embedding"
	"github.com/thebtf/promptcluster/internal/maintenance"
	"github.com/thebtf/promptcluster/internal/telemetry"
	"github.com/thebtf/promptcluster/internal/watcher"
	"github.com/thebtf/promptcluster/internal/worker/sse"
	"github.com/thebtf/promptcluster/pkg/similarity"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout bounds API requests. Analyses of large users with a
	// remote embedding provider are the slowest requests.
	DefaultHTTPTimeout = 2 * time.Minute

	// ReadyPollInterval is how often WaitReady checks initialization status.
	ReadyPollInterval = 25 * time.Millisecond

	// AnalyzeRate and AnalyzeBurst bound analysis requests per client.
	AnalyzeRate  = 2.0
	AnalyzeBurst = 10
)

// Options configures a Service. Zero values select the global
// configuration, the configured embedding model and the global meter provider.
type Options struct {
	Config        *config.Config
	Model         embedding.EmbeddingModel
	MeterProvider metric.MeterProvider
	// WatchFiles reloads settings.json on change and recreates a deleted SQLite file.
	WatchFiles bool
}

// Service is the HTTP worker. The router answers /health immediately;
// storage is opened in the background and data routes return 503 until it is ready.
type Service struct {
	version string
	opts    Options

	cfgMu    sync.RWMutex
	config   *config.Config
	analyzer *analysis.Analyzer

	embedder    *embedding.Service
	metrics     *telemetry.Metrics
	events      *sse.Broadcaster
	limiter     *PerClientRateLimiter
	maintenance *maintenance.Service

	// Storage, set by initialize.
	store   *gorm.Store
	prompts *gorm.PromptStore
	results *gorm.ResultStore

	router    *chi.Mux
	server    *http.Server
	startTime time.Time

	wg sync.WaitGroup

	ready     atomic.Bool
	initError error
	initMu    sync.RWMutex

	dbWatcher     *watcher.Watcher
	configWatcher *watcher.Watcher
}

// NewService creates the worker and starts storage initialization in the background.
func NewService(version string, opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Get()
	}

	metrics, err := telemetry.New(opts.MeterProvider)
	if err != nil {
		return nil, err
	}

	var embedder *embedding.Service
	if opts.Model != nil {
		embedder = embedding.NewServiceFromModel(opts.Model)
	} else if embedder, err = embedding.NewServiceWithModel(cfg.EmbeddingModel); err != nil {
		return nil, err
	}
	embedder.WithMetrics(metrics)

	svc := &Service{
		version:   version,
		opts:      opts,
		config:    cfg,
		embedder:  embedder,
		metrics:   metrics,
		events:    sse.NewBroadcaster(),
		limiter:   NewPerClientRateLimiter(AnalyzeRate, AnalyzeBurst),
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	svc.analyzer = svc.newAnalyzer(cfg)
	svc.maintenance = maintenance.NewService(svc.database, maintenance.OptionsFromConfig(cfg))

	svc.setupMiddleware()
	svc.setupRoutes()

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		svc.initializeAsync()
	}()

	return svc, nil
}

func (s *Service) newAnalyzer(cfg *config.Config) *analysis.Analyzer {
	engine := similarity.NewEngine(s.embedder, similarity.EngineConfig{
		BatchSize:   cfg.EmbeddingBatchSize,
		Concurrency: cfg.EmbeddingConcurrency,
	})
	return analysis.New(engine, analysis.Options{
		Threshold:    cfg.SimilarityThreshold,
		ModelVersion: s.embedder.Version(),
		Metrics:      s.metrics,
	})
}

// Handler returns the HTTP handler of the service.
func (s *Service) Handler() http.Handler {
	return s.router
}

// current returns the active configuration and analyzer.
func (s *Service) current() (*config.Config, *analysis.Analyzer) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.config, s.analyzer
}

func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization...")
	if err := s.initialize(); err != nil {
		s.setInitError(err)
		return
	}
	s.ready.Store(true)
	log.Info().Msg("Async initialization complete - service ready")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.maintenance.Start(context.Background())
	}()

	if s.opts.WatchFiles {
		s.startWatchers()
	}
}

// initialize opens storage.
func (s *Service) initialize() error {
	cfg, _ := s.current()

	if s.opts.WatchFiles {
		if err := config.EnsureAll(); err != nil {
			return fmt.Errorf("ensure data dir: %w", err)
		}
	}
	if cfg.DatabaseDSN == "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0750); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}

	store, err := gorm.NewStore(gorm.Config{
		Path:     cfg.DBPath,
		DSN:      cfg.DatabaseDSN,
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}

	s.initMu.Lock()
	s.store = store
	s.prompts = gorm.NewPromptStore(store)
	s.results = gorm.NewResultStore(store)
	s.initError = nil
	s.initMu.Unlock()
	return nil
}

// errStorageUnavailable is returned while the database is closed or being reopened.
var errStorageUnavailable = errors.New("storage unavailable")

// storage returns the current stores. A request that passed requireReady
// can still race a database reopen, so callers must handle the error.
func (s *Service) storage() (*gorm.PromptStore, *gorm.ResultStore, error) {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	if s.prompts == nil || s.results == nil {
		return nil, nil, errStorageUnavailable
	}
	return s.prompts, s.results, nil
}

// database returns the open store, or nil while it is being (re)opened.
func (s *Service) database() *gorm.Store {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.store
}

// WaitReady blocks until storage is initialized, initialization fails or ctx ends.
func (s *Service) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(ReadyPollInterval)
	defer ticker.Stop()
	for {
		if s.ready.Load() {
			return nil
		}
		if err := s.GetInitError(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// startWatchers watches the SQLite file for deletion and settings.json for changes.
func (s *Service) startWatchers() {
	cfg, _ := s.current()

	if cfg.DatabaseDSN == "" {
		w, err := watcher.New(cfg.DBPath, func(ev watcher.Event) {
			if ev == watcher.Removed {
				log.Warn().Str("path", cfg.DBPath).Msg("Database file deleted, reinitializing...")
				s.reinitializeDatabase()
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create database watcher")
		} else if err := w.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start database watcher")
		} else {
			s.dbWatcher = w
			log.Info().Str("path", cfg.DBPath).Msg("Database file watcher started")
		}
	}

	settingsPath := config.SettingsPath()
	w, err := watcher.New(settingsPath, func(ev watcher.Event) {
		switch ev {
		case watcher.Changed:
			s.reloadConfig()
		case watcher.Removed:
			if err := config.EnsureSettings(); err != nil {
				log.Warn().Err(err).Msg("Failed to recreate settings file")
			}
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher")
		return
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
		return
	}
	s.configWatcher = w
	log.Info().Str("path", settingsPath).Msg("Config file watcher started")
}

// reloadConfig applies settings.json to analyses started afterwards.
// Port, database and embedding model changes need a restart.
func (s *Service) reloadConfig() {
	cfg, err := config.Reload()
	if err != nil {
		log.Warn().Err(err).Msg("Config reload failed, keeping previous settings")
		return
	}

	s.cfgMu.Lock()
	prev := s.config
	next := *prev
	next.SimilarityThreshold = cfg.SimilarityThreshold
	next.MinPrompts = cfg.MinPrompts
	next.EmbeddingBatchSize = cfg.EmbeddingBatchSize
	next.EmbeddingConcurrency = cfg.EmbeddingConcurrency
	next.MaxUploadBytes = cfg.MaxUploadBytes
	s.config = &next
	s.analyzer = s.newAnalyzer(&next)
	s.cfgMu.Unlock()

	if cfg.EmbeddingModel != prev.EmbeddingModel || cfg.DBPath != prev.DBPath || cfg.WorkerPort != prev.WorkerPort {
		log.Warn().Msg("Embedding model, database or port changed; restart the worker to apply")
	}

	log.Info().
		Float64("threshold", next.SimilarityThreshold).
		Int("min_prompts", next.MinPrompts).
		Int("batch_size", next.EmbeddingBatchSize).
		Msg("Configuration reloaded")

	s.events.Broadcast(sse.Event{Type: sse.EventConfigReloaded, Data: map[string]any{
		"similarity_threshold": next.SimilarityThreshold,
		"min_prompts":          next.MinPrompts,
	}})
}

// reinitializeDatabase reopens an empty database after the file was deleted.
func (s *Service) reinitializeDatabase() {
	s.ready.Store(false)

	s.initMu.Lock()
	old := s.store
	s.store, s.prompts, s.results = nil, nil, nil
	s.initMu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing old database")
		}
	}

	if err := s.initialize(); err != nil {
		s.setInitError(fmt.Errorf("reinit database: %w", err))
		return
	}
	s.ready.Store(true)
	log.Info().Msg("Database reinitialization complete")

	s.events.Broadcast(sse.Event{
		Type:    sse.EventDatabaseRestart,
		Message: "Database was recreated after deletion",
	})
}

// setupMiddleware configures HTTP middleware shared by every route.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(SecurityHeaders)
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Event stream lives outside the request timeout.
	s.router.Get("/api/events", s.events.HandleSSE)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))

		// Available during initialization.
		r.Get("/health", s.handleHealth)
		r.Get("/api/health", s.handleHealth)
		r.Get("/api/version", s.handleVersion)
		r.Get("/api/ready", s.handleReady)
		r.Get("/api/models", s.handleModels)

		r.Group(func(r chi.Router) {
			r.Use(s.requireReady)

			r.Get("/api/stats", s.handleStats)
			r.Get("/api/users", s.handleListUsers)
			r.Get("/api/users/{userID}/prompts", s.handleUserPrompts)
			r.Get("/api/users/{userID}/analysis", s.handleLatestAnalysis)
			r.Delete("/api/users/{userID}", s.handleDeleteUser)
			r.Post("/api/maintenance/run", s.handleMaintenance)

			r.With(s.maxUploadSize, RequireContentType("text/csv", "text/plain", "application/octet-stream")).
				Post("/api/import", s.handleImport)

			r.Group(func(r chi.Router) {
				r.Use(PerClientRateLimitMiddleware(s.limiter))
				r.Use(RequireContentType("application/json"))
				r.Use(MaxBodySize(config.DefaultMaxUploadBytes))

				r.Post("/api/users/{userID}/analyze", s.handleAnalyzeUser)
				r.Post("/api/cluster", s.handleCluster)
			})
		})
	})
}

// maxUploadSize applies the configured import size limit, which may change on reload.
func (s *Service) maxUploadSize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, _ := s.current()
		MaxBodySize(cfg.MaxUploadBytes)(next).ServeHTTP(w, r)
	})
}

// Start starts listening on the configured port. It returns once the
// listener goroutine is running; storage initialization continues in the background.
func (s *Service) Start() error {
	cfg, _ := s.current()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			errCh <- err
		}
	}()

	// Surface immediate bind failures to the caller.
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}

	log.Info().
		Int("port", cfg.WorkerPort).
		Int("pid", os.Getpid()).
		Str("model", s.embedder.Version()).
		Msg("Worker HTTP server started")
	return nil
}

// Shutdown stops the HTTP server, watchers and storage.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	s.maintenance.Stop()

	// Waits for initialization too, so the watchers below are settled.
	s.wg.Wait()

	if s.dbWatcher != nil {
		_ = s.dbWatcher.Stop()
	}
	if s.configWatcher != nil {
		_ = s.configWatcher.Stop()
	}

	s.initMu.Lock()
	store := s.store
	s.store = nil
	s.initMu.Unlock()
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Database close error")
		}
	}
	if err := s.embedder.Close(); err != nil {
		log.Error().Err(err).Msg("Embedding model close error")
	}

	log.Info().Msg("Worker service shutdown complete")
	return nil
}
