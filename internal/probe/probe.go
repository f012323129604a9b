// Package probe discovers which tables and columns exist in the legacy source.
//
// The result of probing a table is a ColumnSet, computed once per table per run
// and cached. A missing table is not an error: it extracts nothing and every
// optional column falls back to its documented default downstream. A catalog
// query that keeps failing after retries is different; the set carries the
// error and callers treat it as an execution failure of the entity type.
package probe

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"legacymigrate/internal/logging"
	"legacymigrate/internal/retry"
)

// Catalog is the slice of source.Conn the prober needs.
type Catalog interface {
	TableColumns(ctx context.Context, table string) ([]string, bool, error)
}

// ColumnSet is the set of columns a source table exposes. The zero value is an
// absent table.
type ColumnSet struct {
	table  string
	cols   map[string]struct{}
	exists bool
	err    error
}

// NewColumnSet builds a present table's column set. Matching is case-insensitive
// because MSSQL catalogs report identifiers in their declared case.
func NewColumnSet(table string, columns []string) ColumnSet {
	cs := ColumnSet{table: table, cols: make(map[string]struct{}, len(columns)), exists: true}
	for _, c := range columns {
		cs.cols[strings.ToLower(c)] = struct{}{}
	}
	return cs
}

// Absent returns the column set of a missing table.
func Absent(table string) ColumnSet { return ColumnSet{table: table} }

// Failed returns the column set of a table whose catalog query failed.
func Failed(table string, err error) ColumnSet { return ColumnSet{table: table, err: err} }

// Table returns the probed table name.
func (c ColumnSet) Table() string { return c.table }

// Absent reports whether the table is known not to exist. A failed probe is
// not absent.
func (c ColumnSet) Absent() bool { return !c.exists && c.err == nil }

// Err returns the catalog error of a failed probe.
func (c ColumnSet) Err() error { return c.err }

// Has reports whether the table has column name.
func (c ColumnSet) Has(name string) bool {
	_, ok := c.cols[strings.ToLower(name)]
	return ok
}

// Names returns the column names sorted.
func (c ColumnSet) Names() []string {
	out := make([]string, 0, len(c.cols))
	for n := range c.cols {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Prober caches ColumnSets for the lifetime of one run. Safe for concurrent use.
type Prober struct {
	cat    Catalog
	policy retry.Policy
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]ColumnSet
}

// Option configures a Prober.
type Option func(*Prober)

// WithRetry sets the retry policy for catalog queries.
func WithRetry(p retry.Policy) Option { return func(pr *Prober) { pr.policy = p } }

// WithLogger sets the logger for degraded probes.
func WithLogger(l *slog.Logger) Option { return func(pr *Prober) { pr.log = logging.OrDiscard(l) } }

// New returns a Prober reading from cat.
func New(cat Catalog, opts ...Option) *Prober {
	p := &Prober{
		cat:   cat,
		log:   logging.Discard(),
		cache: make(map[string]ColumnSet),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Probe returns table's column set.
//
// Edge cases:
//   - A table missing from the catalog yields an absent set (cached).
//   - A catalog error is retried per the policy; if it persists the set carries
//     the error (see ColumnSet.Err) and is NOT cached, so a later probe may
//     succeed.
func (p *Prober) Probe(ctx context.Context, table string) ColumnSet {
	p.mu.Lock()
	if cs, ok := p.cache[table]; ok {
		p.mu.Unlock()
		return cs
	}
	p.mu.Unlock()

	var cols []string
	var exists bool
	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		var err error
		cols, exists, err = p.cat.TableColumns(ctx, table)
		return err
	})
	if err != nil {
		p.log.Error("probe failed", "stage", "probe", "table", table, "err", err)
		return Failed(table, err)
	}

	cs := Absent(table)
	if exists {
		cs = NewColumnSet(table, cols)
	}

	p.mu.Lock()
	p.cache[table] = cs
	p.mu.Unlock()
	return cs
}

// ProbeFirst probes candidate tables in order and returns the first that
// exists. When none exists it returns the absent set of the first candidate.
// A failed probe stops the search and is returned as is, since a later
// candidate would be read in place of one that may exist.
func (p *Prober) ProbeFirst(ctx context.Context, tables []string) ColumnSet {
	for _, t := range tables {
		if cs := p.Probe(ctx, t); !cs.Absent() {
			return cs
		}
	}
	if len(tables) == 0 {
		return Absent("")
	}
	return Absent(tables[0])
}
