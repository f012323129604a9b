// Package source is the read-only connection to the legacy database.
//
// Backends register themselves by kind (postgres, mssql, sqlite) from init()
// and are selected with Open. The engine only ever issues catalog lookups and
// SELECT statements through a Conn; nothing here writes to the source.
package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Dialect captures the SQL differences the extractor has to care about.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MSSQL    Dialect = "mssql"
	SQLite   Dialect = "sqlite"
)

// Quote quotes an identifier.
func (d Dialect) Quote(ident string) string {
	if d == MSSQL {
		return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Placeholder returns the n-th (1-based) bind parameter marker.
func (d Dialect) Placeholder(n int) string {
	switch d {
	case Postgres:
		return "$" + strconv.Itoa(n)
	case MSSQL:
		return "@p" + strconv.Itoa(n)
	default:
		return "?"
	}
}

// UsesTop reports whether row limits are expressed as SELECT TOP n.
func (d Dialect) UsesTop() bool { return d == MSSQL }

// Rows is a forward-only result set. Values returns the current row's driver
// values in select-list order.
type Rows interface {
	Next() bool
	Values() ([]any, error)
	Err() error
	Close()
}

// Conn is a read-only legacy database connection.
//
// Implementations must be safe for concurrent use; entity workers in one phase
// share a Conn (each backend pools connections underneath).
type Conn interface {
	Dialect() Dialect

	// TableColumns returns the column names of table and whether it exists.
	// A missing table is (nil, false, nil), not an error.
	TableColumns(ctx context.Context, table string) ([]string, bool, error)

	Query(ctx context.Context, sql string, args ...any) (Rows, error)

	Ping(ctx context.Context) error
	Close()
}

// Config selects a registered backend kind and its DSN.
type Config struct {
	Kind string
	DSN  string
}

type factory func(ctx context.Context, cfg Config) (Conn, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a source backend under kind.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("source: Register called with empty kind")
	}
	if f == nil {
		panic("source: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("source: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open connects to the legacy database using the backend registered for cfg.Kind.
//
// Errors:
//   - cfg.Kind empty or not registered
//   - whatever the backend returns for an unreachable database
func Open(ctx context.Context, cfg Config) (Conn, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("source: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported source.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
