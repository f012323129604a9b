// Package storage is the backend-agnostic target store used by the loader and
// the auditor. Backends (postgres, sqlite) register a factory by kind from
// init() and are selected with Open.
//
// The target schema is an external contract: backends never create or alter
// tables. Every migrated table has id, legacy_id (unique when non-null),
// extra_data, created_at, updated_at and migrated_at columns.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Config is the minimal configuration needed to open a repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// ErrConstraint wraps a write the target rejected on a constraint (NOT NULL,
// unique, foreign key, check). Retrying the same batch cannot succeed.
var ErrConstraint = errors.New("constraint violation")

// Repository is the target store.
//
// IMPORTANT: Only the loader writes through a Repository. The auditor uses the
// read-only methods.
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	// Ping verifies connectivity; a failure is fatal before any phase begins.
	Ping(ctx context.Context) error

	// LegacyIDs returns every legacy_id -> id mapping in table. Used to prewarm
	// the loader for cross-run idempotency.
	LegacyIDs(ctx context.Context, table string) (map[string]string, error)

	// UpsertBatch writes rows and then applies patches in ONE transaction.
	//
	// Rows are matched on legacy_id: an existing row is updated in place and
	// keeps its id; a new row is inserted with Row.ID. Patches update columns
	// of existing rows matched on legacy_id. Any error rolls the whole batch back.
	UpsertBatch(ctx context.Context, table string, rows []Row, patches []Patch) (BatchResult, error)

	// Integrity queries.
	CountRows(ctx context.Context, table string) (int64, error)
	CountOrphans(ctx context.Context, ref ForeignKey) (int64, error)
	DuplicateLegacyIDs(ctx context.Context, table string) (int64, error)

	// SaveRunRecords upserts run-log rows keyed by (run_id, phase, entity_type).
	SaveRunRecords(ctx context.Context, recs []RunRecord) error

	// RunRecords reads back the run log of runID; an empty runID selects the
	// most recently started run.
	RunRecords(ctx context.Context, runID string) ([]RunRecord, error)
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and avoid
//     ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported target.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
