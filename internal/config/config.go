// Package config loads and validates the migration run configuration.
//
// Sources, lowest precedence first:
//   - built-in defaults (Default)
//   - a config file (YAML, JSON or TOML; chosen by extension)
//   - a dotenv file (.env in the working directory, or MIGRATE_ENV_FILE)
//   - MIGRATE_* environment variables, e.g. MIGRATE_RUNTIME_BATCH_SIZE=500
//
// DSNs may reference environment variables ("postgres://${PGUSER}@..."); they are
// expanded after loading so secrets never need to live in the file itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full configuration surface of a migration run.
type Config struct {
	Job       string          `mapstructure:"job"`
	Source    DBConfig        `mapstructure:"source"`
	Target    DBConfig        `mapstructure:"target"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Report    ReportConfig    `mapstructure:"report"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// DBConfig selects a registered backend kind and its DSN.
type DBConfig struct {
	// Kind: "postgres" | "mssql" | "sqlite" (source); "postgres" | "sqlite" (target).
	Kind string `mapstructure:"kind"`
	DSN  string `mapstructure:"dsn"`
}

// RuntimeConfig controls batching, retries and parallelism.
type RuntimeConfig struct {
	// BatchSize is the number of records per target transaction.
	BatchSize int `mapstructure:"batch_size"`

	// MaxRetries bounds retries of a timed-out or failed query/batch.
	MaxRetries int `mapstructure:"max_retries"`

	// TimeoutMS is the per-query and per-batch-transaction timeout.
	TimeoutMS int `mapstructure:"timeout_ms"`

	// ParallelWorkers bounds concurrently running entity types inside one phase.
	ParallelWorkers int `mapstructure:"parallel_workers"`

	// RequiredEntityTypes fail the whole run when they cannot be migrated.
	RequiredEntityTypes []string `mapstructure:"required_entity_types"`

	// DryRun validates and transforms but never calls the loader.
	DryRun bool `mapstructure:"dry_run"`

	BackoffInitialMS int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMS     int `mapstructure:"backoff_max_ms"`
}

// Timeout returns TimeoutMS as a duration.
func (r RuntimeConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// IsRequired reports whether entity is listed in RequiredEntityTypes.
func (r RuntimeConfig) IsRequired(entity string) bool {
	for _, e := range r.RequiredEntityTypes {
		if strings.EqualFold(strings.TrimSpace(e), entity) {
			return true
		}
	}
	return false
}

// ContractsConfig points at an optional directory of contract overrides.
type ContractsConfig struct {
	Dir string `mapstructure:"dir"`
}

// ReportConfig controls where the integrity report is written.
type ReportConfig struct {
	// Path of the integrity report; ".zst" suffix compresses it.
	Path string `mapstructure:"path"`
}

// LogConfig mirrors the usual slog setup knobs.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	Backend    string        `mapstructure:"backend"` // "none" | "datadog"
	Tags       []string      `mapstructure:"tags"`
	FlushEvery time.Duration `mapstructure:"flush_every"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Job: "legacy-migration",
		Runtime: RuntimeConfig{
			BatchSize:           500,
			MaxRetries:          3,
			TimeoutMS:           30000,
			ParallelWorkers:     4,
			RequiredEntityTypes: []string{"offices", "profiles", "orders"},
			BackoffInitialMS:    200,
			BackoffMaxMS:        5000,
		},
		Report: ReportConfig{Path: "integrity_report.json"},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Backend:    "none",
			FlushEvery: time.Minute,
		},
	}
}

// Load reads configuration from path (optional) plus dotenv and environment.
//
// Edge cases:
//   - path == "" skips the file; defaults + env still apply.
//   - A missing .env file is not an error.
//
// Errors:
//   - Returns an error if path is set but unreadable or unparsable.
func Load(path string) (Config, error) {
	envFile := os.Getenv("MIGRATE_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load dotenv %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("MIGRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Source.DSN = os.ExpandEnv(cfg.Source.DSN)
	cfg.Target.DSN = os.ExpandEnv(cfg.Target.DSN)
	cfg.Runtime.RequiredEntityTypes = splitList(cfg.Runtime.RequiredEntityTypes)
	cfg.Metrics.Tags = splitList(cfg.Metrics.Tags)
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can bind env vars to keys that
// the config file never mentions.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("job", d.Job)
	v.SetDefault("source.kind", d.Source.Kind)
	v.SetDefault("source.dsn", d.Source.DSN)
	v.SetDefault("target.kind", d.Target.Kind)
	v.SetDefault("target.dsn", d.Target.DSN)
	v.SetDefault("runtime.batch_size", d.Runtime.BatchSize)
	v.SetDefault("runtime.max_retries", d.Runtime.MaxRetries)
	v.SetDefault("runtime.timeout_ms", d.Runtime.TimeoutMS)
	v.SetDefault("runtime.parallel_workers", d.Runtime.ParallelWorkers)
	v.SetDefault("runtime.required_entity_types", d.Runtime.RequiredEntityTypes)
	v.SetDefault("runtime.dry_run", d.Runtime.DryRun)
	v.SetDefault("runtime.backoff_initial_ms", d.Runtime.BackoffInitialMS)
	v.SetDefault("runtime.backoff_max_ms", d.Runtime.BackoffMaxMS)
	v.SetDefault("contracts.dir", d.Contracts.Dir)
	v.SetDefault("report.path", d.Report.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.file_path", d.Log.FilePath)
	v.SetDefault("metrics.backend", d.Metrics.Backend)
	v.SetDefault("metrics.tags", d.Metrics.Tags)
	v.SetDefault("metrics.flush_every", d.Metrics.FlushEvery)
}

// splitList accepts both real lists and a single comma-separated env value.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
