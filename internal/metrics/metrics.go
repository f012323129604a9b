// Package metrics is the backend-neutral metrics facade used by the migration
// engine. Core code depends only on this package; concrete backends (Datadog)
// live in subpackages and are selected by the CLI at startup.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions (entity, outcome, step, status).
type Labels map[string]string

// Backend receives metric events.
//
// Implementations must be safe for concurrent use: parallel entity workers emit
// metrics from multiple goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names emitted by the engine.
const (
	RecordsTotal        = "migrate_records_total"
	BatchesTotal        = "migrate_batches_total"
	StepTotal           = "migrate_step_total"
	StepDurationSeconds = "migrate_step_duration_seconds"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. Passing nil restores the nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend.
func Flush() error { return current().Flush() }

// RecordStep emits the step counter and duration for one completed step.
func RecordStep(step, status string, started time.Time) {
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, time.Since(started).Seconds(), l)
}

// RecordOutcome counts n records of entity with outcome (inserted, updated,
// failed, rejected). n <= 0 is ignored.
func RecordOutcome(entity, outcome string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"entity": entity, "outcome": outcome})
}
