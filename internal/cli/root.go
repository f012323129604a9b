// Package cli is the legacymigrate command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"legacymigrate/internal/config"
	"legacymigrate/internal/logging"
	"legacymigrate/internal/metrics"
	"legacymigrate/internal/metrics/datadog"

	// every source and target backend; config selects one of each.
	_ "legacymigrate/internal/source/all"
	_ "legacymigrate/internal/storage/all"
)

type globalFlags struct {
	configPath string
	dryRun     bool
	verbose    bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "legacymigrate",
		Short: "Migrate the legacy dispatch database into the target schema",
		Long: `legacymigrate extracts every entity type from the legacy database,
validates and normalizes it, loads it idempotently into the target store and
reports on referential integrity and row-count parity.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (yaml, json or toml); env MIGRATE_* overrides")
	root.PersistentFlags().BoolVar(&g.dryRun, "dry-run", false, "validate and transform without writing to the target")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCmd(g),
		newProbeCmd(g),
		newAuditCmd(g),
		newCheckConfigCmd(g),
	)
	return root
}

// Execute runs the command tree.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.dryRun {
		cfg.Runtime.DryRun = true
	}
	if g.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// session is what every command needs after loading config: a logger and,
// optionally, a metrics backend. close flushes both.
type session struct {
	cfg   config.Config
	log   *slog.Logger
	close func()
}

// open loads config and logging. Metrics are enabled only for a run, tagged
// with runID; other commands pass "".
func (g *globalFlags) open(ctx context.Context, runID string) (*session, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	log, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	closers := []func(){func() { _ = closeLog() }}
	if runID != "" {
		if c := setupMetrics(ctx, cfg, runID, log); c != nil {
			closers = append([]func(){c}, closers...)
		}
	}
	return &session{
		cfg: cfg,
		log: log,
		close: func() {
			for _, c := range closers {
				c()
			}
		},
	}, nil
}

// setupMetrics installs the configured backend and returns its closer, or nil
// when metrics stay disabled.
func setupMetrics(ctx context.Context, cfg config.Config, runID string, log *slog.Logger) func() {
	switch cfg.Metrics.Backend {
	case "datadog":
		// Buffers and submits every FlushEvery; Close stops the loop and
		// submits once more.
		b, err := datadog.NewBackend(ctx, datadogOptions(cfg, runID))
		if err != nil {
			log.Warn("datadog backend unavailable; metrics disabled", "stage", "metrics", "err", err)
			return nil
		}
		log.Info("metrics enabled", "stage", "metrics", "backend", "datadog", "job", cfg.Job, "run_id", runID, "tags", cfg.Metrics.Tags)
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics flush failed", "stage", "metrics", "err", err)
			}
			metrics.SetBackend(nil)
		}
	default:
		return nil
	}
}

func datadogOptions(cfg config.Config, runID string) datadog.Options {
	return datadog.Options{
		JobName:    cfg.Job,
		RunID:      runID,
		Tags:       cfg.Metrics.Tags,
		FlushEvery: cfg.Metrics.FlushEvery,
	}
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
