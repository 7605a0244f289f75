package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/thebtf/promptcluster/internal/analysis"
	"github.com/thebtf/promptcluster/internal/config"
	"github.com/thebtf/promptcluster/internal/db/gorm"
	"github.com/thebtf/promptcluster/internal/embedding"
	"github.com/thebtf/promptcluster/internal/ingest"
	"github.com/thebtf/promptcluster/internal/telemetry"
	"github.com/thebtf/promptcluster/internal/worker"
	"github.com/thebtf/promptcluster/pkg/similarity"
)

const shutdownTimeout = 30 * time.Second

func cmdServe() *cli.Command {
	var (
		port  int
		watch bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP worker",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "port",
				Usage:       "Listen port (default from settings)",
				Sources:     cli.EnvVars("PROMPTCLUSTER_WORKER_PORT"),
				Destination: &port,
			},
			&cli.BoolFlag{
				Name:        "watch",
				Usage:       "Reload settings.json and recreate a deleted database",
				Value:       true,
				Destination: &watch,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := *config.Get()
			if port > 0 {
				cfg.WorkerPort = port
			}

			svc, err := worker.NewService(Version, worker.Options{Config: &cfg, WatchFiles: watch})
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				if err := svc.Start(); err != nil {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				log.Info().Msg("Shutting down...")
			case err := <-errCh:
				log.Error().Err(err).Msg("Worker stopped")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := svc.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
}

// analyzeOptions holds the flags of the analyze command.
type analyzeOptions struct {
	model       string
	format      string
	user        string
	threshold   float64
	minPrompts  int
	batchSize   int
	concurrency int
}

func cmdAnalyze(w io.Writer) *cli.Command {
	var opts analyzeOptions

	return &cli.Command{
		Name:      "analyze",
		Usage:     "Cluster the prompts of a CSV export (path or - for stdin)",
		ArgsUsage: "<file.csv>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "user",
				Aliases:     []string{"u"},
				Usage:       "Analyze a single user",
				Destination: &opts.user,
			},
			&cli.IntFlag{
				Name:        "min-prompts",
				Usage:       "Skip users with fewer prompts (default from settings)",
				Destination: &opts.minPrompts,
			},
			&cli.FloatFlag{
				Name:        "threshold",
				Usage:       "Similarity threshold in (0, 1] (default from settings)",
				Destination: &opts.threshold,
			},
			&cli.StringFlag{
				Name:        "model",
				Usage:       "Embedding model version (default from settings)",
				Sources:     cli.EnvVars("PROMPTCLUSTER_EMBEDDING_MODEL"),
				Destination: &opts.model,
			},
			&cli.IntFlag{
				Name:        "batch-size",
				Usage:       "Texts per embedding call (default from settings)",
				Destination: &opts.batchSize,
			},
			&cli.IntFlag{
				Name:        "concurrency",
				Usage:       "Parallel embedding calls per user (default from settings)",
				Destination: &opts.concurrency,
			},
			&cli.StringFlag{
				Name:        "format",
				Aliases:     []string{"f"},
				Usage:       "Output format (json, yaml)",
				Value:       formatJSON,
				Destination: &opts.format,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := checkFormat(opts.format, formatJSON, formatYAML); err != nil {
				return err
			}
			res, err := readInput(c.Args().First())
			if err != nil {
				return err
			}

			cfg := opts.apply(config.Get())
			analyzer, closeFn, err := buildAnalyzer(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			if opts.user != "" {
				_, byUser := ingest.GroupByUser(res.Records)
				records, ok := byUser[opts.user]
				if !ok {
					return fmt.Errorf("user %q has no prompts in the input", opts.user)
				}
				result, err := analyzer.AnalyzeUser(ctx, opts.user, records)
				if err != nil {
					return err
				}
				return writeReport(w, opts.format, result)
			}

			summary, err := analyzer.AnalyzeAll(ctx, res.Records, cfg.MinPrompts)
			if summary != nil {
				if werr := writeReport(w, opts.format, summary); werr != nil {
					return werr
				}
			}
			return err
		},
	}
}

// apply returns a copy of base with the flags that were set.
func (o analyzeOptions) apply(base *config.Config) *config.Config {
	cfg := *base
	if o.model != "" {
		cfg.EmbeddingModel = o.model
	}
	if o.threshold != 0 {
		cfg.SimilarityThreshold = o.threshold
	}
	if o.minPrompts > 0 {
		cfg.MinPrompts = o.minPrompts
	}
	if o.batchSize > 0 {
		cfg.EmbeddingBatchSize = o.batchSize
	}
	if o.concurrency > 0 {
		cfg.EmbeddingConcurrency = o.concurrency
	}
	return &cfg
}

// buildAnalyzer wires the embedding model and similarity engine for offline runs.
func buildAnalyzer(cfg *config.Config) (*analysis.Analyzer, func(), error) {
	if !similarity.ValidThreshold(cfg.SimilarityThreshold) {
		return nil, nil, fmt.Errorf("threshold must be in (0, 1], got %v", cfg.SimilarityThreshold)
	}

	metrics, err := telemetry.New(nil)
	if err != nil {
		return nil, nil, err
	}
	embedder, err := embedding.NewServiceWithModel(cfg.EmbeddingModel)
	if err != nil {
		return nil, nil, err
	}
	embedder.WithMetrics(metrics)

	engine := similarity.NewEngine(embedder, similarity.EngineConfig{
		BatchSize:   cfg.EmbeddingBatchSize,
		Concurrency: cfg.EmbeddingConcurrency,
	})
	analyzer := analysis.New(engine, analysis.Options{
		Threshold:    cfg.SimilarityThreshold,
		ModelVersion: embedder.Version(),
		Metrics:      metrics,
	})

	closeFn := func() {
		if err := embedder.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close embedding model")
		}
	}
	return analyzer, closeFn, nil
}

func cmdUsers(w io.Writer) *cli.Command {
	var (
		format     string
		minPrompts int
	)

	return &cli.Command{
		Name:      "users",
		Usage:     "List the users of a CSV export with their prompt counts",
		ArgsUsage: "<file.csv>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "min-prompts",
				Usage:       "Only list users with at least this many prompts",
				Value:       1,
				Destination: &minPrompts,
			},
			&cli.StringFlag{
				Name:        "format",
				Aliases:     []string{"f"},
				Usage:       "Output format (text, json, yaml)",
				Value:       formatText,
				Destination: &format,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := checkFormat(format, formatText, formatJSON, formatYAML); err != nil {
				return err
			}
			res, err := readInput(c.Args().First())
			if err != nil {
				return err
			}

			userIDs, byUser := ingest.GroupByUser(res.Records)
			users := make([]gorm.UserCount, 0, len(userIDs))
			for _, id := range userIDs {
				if n := len(byUser[id]); n >= minPrompts {
					users = append(users, gorm.UserCount{UserID: id, PromptCount: n})
				}
			}

			if format == formatText {
				return writeUsersTable(w, users)
			}
			return writeReport(w, format, users)
		},
	}
}

func cmdImport(w io.Writer) *cli.Command {
	var (
		replace bool
		dbPath  string
	)

	return &cli.Command{
		Name:      "import",
		Usage:     "Store the prompts of a CSV export in the worker database",
		ArgsUsage: "<file.csv>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "replace",
				Usage:       "Drop the stored prompts of every user in the file first",
				Destination: &replace,
			},
			&cli.StringFlag{
				Name:        "db",
				Usage:       "SQLite database path (default from settings)",
				Destination: &dbPath,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			res, err := readInput(c.Args().First())
			if err != nil {
				return err
			}

			cfg := config.Get()
			if dbPath == "" {
				dbPath = cfg.DBPath
			}
			if cfg.DatabaseDSN == "" {
				if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
					return fmt.Errorf("create database dir: %w", err)
				}
			}

			store, err := gorm.NewStore(gorm.Config{Path: dbPath, DSN: cfg.DatabaseDSN, MaxConns: cfg.MaxConns})
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			prompts := gorm.NewPromptStore(store)
			if replace {
				err = prompts.ReplacePrompts(ctx, res.Records)
			} else {
				err = prompts.SavePrompts(ctx, res.Records)
			}
			if err != nil {
				return err
			}

			users, _ := ingest.GroupByUser(res.Records)
			_, err = fmt.Fprintf(w, "imported %d prompts for %d users (%d rows, %d skipped)\n",
				len(res.Records), len(users), res.Rows, res.Skipped)
			return err
		},
	}
}

func cmdModels(w io.Writer) *cli.Command {
	var format string

	return &cli.Command{
		Name:  "models",
		Usage: "List the available embedding models",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Aliases:     []string{"f"},
				Usage:       "Output format (text, json, yaml)",
				Value:       formatText,
				Destination: &format,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := checkFormat(format, formatText, formatJSON, formatYAML); err != nil {
				return err
			}
			list := embedding.ListModels()
			if format == formatText {
				return writeModelsTable(w, list)
			}
			return writeReport(w, format, list)
		},
	}
}

// readInput parses a CSV file, or stdin when path is empty or "-".
func readInput(path string) (*ingest.Result, error) {
	var in io.Reader = os.Stdin
	if path == "" || path == "-" {
		path = "stdin"
	} else {
		f, err := os.Open(path) // #nosec G304 -- user-supplied input file
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	res, err := ingest.ReadCSV(in)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(res.Records) == 0 {
		return nil, errors.New(path + ": no prompts")
	}
	log.Debug().Str("path", path).Int("rows", res.Rows).Int("skipped", res.Skipped).Msg("CSV loaded")
	return res, nil
}
