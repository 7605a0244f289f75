// Package main provides the promptcluster command line: an HTTP worker and
// offline analysis of prompt exports.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("promptcluster failed")
		stop()
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	var (
		logLevel  string
		logFormat string
	)

	return &cli.Command{
		Name:      "promptcluster",
		Usage:     "Find near-duplicate and reworded prompts in a user's history",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Log level (trace, debug, info, warn, error)",
				Value:       "info",
				Sources:     cli.EnvVars("PROMPTCLUSTER_LOG_LEVEL"),
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "Log format (console, json)",
				Value:       "console",
				Sources:     cli.EnvVars("PROMPTCLUSTER_LOG_FORMAT"),
				Destination: &logFormat,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			return ctx, setupLogging(stderr, logLevel, logFormat)
		},
		Commands: []*cli.Command{
			cmdServe(),
			cmdAnalyze(stdout),
			cmdUsers(stdout),
			cmdImport(stdout),
			cmdModels(stdout),
		},
	}
}

func setupLogging(w io.Writer, level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	switch format {
	case "json":
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	case "console", "":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
	default:
		return fmt.Errorf("invalid log format %q (want console or json)", format)
	}
	return nil
}
