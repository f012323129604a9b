package config

import "fmt"

// Severity classifies a configuration issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one configuration finding, addressed by its key path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

var (
	sourceKinds = map[string]bool{"postgres": true, "mssql": true, "sqlite": true}
	targetKinds = map[string]bool{"postgres": true, "sqlite": true}
)

// Validate checks cfg and returns every issue found (errors and warnings).
//
// Callers treat any SeverityError as fatal before a run starts.
func Validate(cfg Config) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if !sourceKinds[cfg.Source.Kind] {
		add(SeverityError, "source.kind", "unsupported source kind %q (want postgres, mssql or sqlite)", cfg.Source.Kind)
	}
	if cfg.Source.DSN == "" {
		add(SeverityError, "source.dsn", "must be set")
	}
	if !targetKinds[cfg.Target.Kind] {
		add(SeverityError, "target.kind", "unsupported target kind %q (want postgres or sqlite)", cfg.Target.Kind)
	}
	if cfg.Target.DSN == "" && !cfg.Runtime.DryRun {
		add(SeverityError, "target.dsn", "must be set unless runtime.dry_run is true")
	}

	rt := cfg.Runtime
	if rt.BatchSize <= 0 {
		add(SeverityError, "runtime.batch_size", "must be > 0, got %d", rt.BatchSize)
	} else if rt.BatchSize > 10000 {
		add(SeverityWarning, "runtime.batch_size", "%d records per transaction is unusually large", rt.BatchSize)
	}
	if rt.MaxRetries < 0 {
		add(SeverityError, "runtime.max_retries", "must be >= 0, got %d", rt.MaxRetries)
	}
	if rt.TimeoutMS <= 0 {
		add(SeverityError, "runtime.timeout_ms", "must be > 0, got %d", rt.TimeoutMS)
	}
	if rt.ParallelWorkers <= 0 {
		add(SeverityError, "runtime.parallel_workers", "must be > 0, got %d", rt.ParallelWorkers)
	}
	if rt.BackoffInitialMS < 0 || rt.BackoffMaxMS < 0 {
		add(SeverityError, "runtime.backoff_initial_ms", "backoff durations must be >= 0")
	} else if rt.BackoffMaxMS > 0 && rt.BackoffInitialMS > rt.BackoffMaxMS {
		add(SeverityWarning, "runtime.backoff_initial_ms", "initial backoff %dms exceeds max %dms", rt.BackoffInitialMS, rt.BackoffMaxMS)
	}

	switch cfg.Metrics.Backend {
	case "", "none", "datadog":
	default:
		add(SeverityWarning, "metrics.backend", "unknown backend %q; metrics disabled", cfg.Metrics.Backend)
	}
	return out
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
