// Package extract reads legacy rows for one entity type as a lazy, single-pass
// cursor of records.Record.
//
// Rows are fetched a page at a time in primary-key order (keyset pagination), so
// memory is bounded by the page size and a run can be resumed from the last key.
// Each page query has its own timeout and is retried with backoff.
package extract

import (
	"context"
	"fmt"
	"log/slog"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/logging"
	"legacymigrate/internal/probe"
	"legacymigrate/internal/retry"
	"legacymigrate/internal/source"
	"legacymigrate/pkg/records"
)

// Error is a query construction or execution failure for one entity type.
type Error struct {
	Entity string
	Table  string
	SQL    string
	Err    error
}

func (e *Error) Error() string {
	if e.SQL == "" {
		return fmt.Sprintf("extract %s from %s: %v", e.Entity, e.Table, e.Err)
	}
	return fmt.Sprintf("extract %s from %s: %v (sql: %s)", e.Entity, e.Table, e.Err, e.SQL)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures an Extractor.
type Options struct {
	// PageSize is the number of rows per page query. Defaults to 500.
	PageSize int
	Retry    retry.Policy
	Logger   *slog.Logger
}

// Extractor issues adaptive SELECTs against the legacy source.
type Extractor struct {
	conn     source.Conn
	prober   *probe.Prober
	pageSize int
	policy   retry.Policy
	log      *slog.Logger
}

// New returns an Extractor.
func New(conn source.Conn, prober *probe.Prober, opts Options) *Extractor {
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	return &Extractor{
		conn:     conn,
		prober:   prober,
		pageSize: opts.PageSize,
		policy:   opts.Retry,
		log:      logging.OrDiscard(opts.Logger),
	}
}

// Extract opens a cursor over spec's first existing source table.
//
// When to use:
//   - Once per entity type per run; the cursor cannot be restarted. Call
//     Extract again for a fresh pass.
//
// Edge cases:
//   - No source table exists: an empty cursor, no error.
//   - An optional column is absent: it is omitted from the records.
//
// Errors:
//   - *Error when the source catalog could not be read after retries.
//   - *Error when the page query cannot be built (e.g. no primary key column).
//     Page execution failures surface from Cursor.Err.
func (e *Extractor) Extract(ctx context.Context, spec catalog.EntitySpec) (*Cursor, error) {
	cs := e.prober.ProbeFirst(ctx, spec.Sources)
	if err := cs.Err(); err != nil {
		return nil, &Error{Entity: spec.Name, Table: cs.Table(), Err: fmt.Errorf("probe: %w", err)}
	}
	if cs.Absent() {
		e.log.Info("source table absent; extracting nothing", "stage", "extract", "entity", spec.Name, "table", cs.Table())
		return &Cursor{done: true}, nil
	}

	if _, err := BuildQuery(e.conn.Dialect(), spec, cs, nil, e.pageSize); err != nil {
		xerr := &Error{Entity: spec.Name, Table: cs.Table(), Err: err}
		e.log.Error("extract query build failed", "stage", "extract", "entity", spec.Name, "table", cs.Table(), "err", err)
		return nil, xerr
	}

	return &Cursor{ctx: ctx, ext: e, spec: spec, cs: cs}, nil
}

// CountRows returns the number of rows in spec's source table (0 when absent).
// A failed probe is returned as *Error.
func (e *Extractor) CountRows(ctx context.Context, spec catalog.EntitySpec) (int64, error) {
	cs := e.prober.ProbeFirst(ctx, spec.Sources)
	if err := cs.Err(); err != nil {
		return 0, &Error{Entity: spec.Name, Table: cs.Table(), Err: fmt.Errorf("probe: %w", err)}
	}
	if cs.Absent() {
		return 0, nil
	}
	q := CountQuery(e.conn.Dialect(), cs.Table())

	var n int64
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		rows, err := e.conn.Query(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return fmt.Errorf("count returned no rows")
		}
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		n, err = records.AsInt64(vals[0])
		return err
	})
	if err != nil {
		return 0, &Error{Entity: spec.Name, Table: cs.Table(), SQL: q, Err: err}
	}
	return n, nil
}

// Cursor is a single-pass iterator over one entity type's legacy rows.
//
//	cur, err := ex.Extract(ctx, spec)
//	for cur.Next() { rec := cur.Record() ... }
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	ctx  context.Context
	ext  *Extractor
	spec catalog.EntitySpec
	cs   probe.ColumnSet

	page  []*records.Record
	pos   int
	after any
	rec   *records.Record
	last  bool
	done  bool
	err   error
	pages int
}

// Next advances to the next record, fetching a new page when needed.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	if c.pos >= len(c.page) {
		if c.last {
			c.finish()
			return false
		}
		if err := c.fetch(); err != nil {
			c.err = err
			c.finish()
			return false
		}
		if len(c.page) == 0 {
			c.finish()
			return false
		}
	}
	c.rec = c.page[c.pos]
	c.pos++
	return true
}

// Record returns the current record.
func (c *Cursor) Record() *records.Record { return c.rec }

// Err returns the first page failure, as *Error.
func (c *Cursor) Err() error { return c.err }

// Table returns the source table being read ("" for an empty cursor).
func (c *Cursor) Table() string { return c.cs.Table() }

// Close ends the cursor early. Safe to call more than once.
func (c *Cursor) Close() { c.finish() }

func (c *Cursor) finish() {
	c.done = true
	c.page = nil
	c.rec = nil
}

func (c *Cursor) fetch() error {
	e := c.ext
	q, err := BuildQuery(e.conn.Dialect(), c.spec, c.cs, c.after, e.pageSize)
	if err != nil {
		return &Error{Entity: c.spec.Name, Table: c.cs.Table(), Err: err}
	}

	var page []*records.Record
	err = retry.Do(c.ctx, e.policy, func(ctx context.Context) error {
		page = page[:0]
		rows, err := e.conn.Query(ctx, q.SQL, q.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			page = append(page, c.toRecord(q.Columns, vals))
		}
		return rows.Err()
	})
	if err != nil {
		xerr := &Error{Entity: c.spec.Name, Table: c.cs.Table(), SQL: q.SQL, Err: err}
		e.log.Error("extract page failed", "stage", "extract", "entity", c.spec.Name, "table", c.cs.Table(), "sql", q.SQL, "page", c.pages+1, "err", err)
		return xerr
	}

	c.pages++
	c.page = page
	c.pos = 0
	c.last = len(page) < e.pageSize
	if len(page) > 0 {
		c.after = page[len(page)-1].Values[0]
	}
	return nil
}

func (c *Cursor) toRecord(cols []string, vals []any) *records.Record {
	rec := records.New(c.cs.Table(), cols, vals)
	if g := c.spec.Generic; g != nil {
		if v, ok := rec.Get(g.TypeColumn); ok && v != nil {
			if n, err := records.AsInt64(v); err == nil {
				rec.TypeID = &n
			}
		}
		if v, ok := rec.Get(g.ObjectColumn); ok && v != nil {
			if n, err := records.AsInt64(v); err == nil {
				rec.ObjectID = &n
			}
		}
	}
	return rec
}
