// Package postgres is the pgx-backed legacy source.
package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"legacymigrate/internal/source"
)

func init() {
	source.Register("postgres", Open)
}

const columnsSQL = `SELECT column_name
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`

// Conn implements source.Conn over a pgx pool.
type Conn struct {
	pool *pgxpool.Pool
}

// Open creates a pool and verifies connectivity.
func Open(ctx context.Context, cfg source.Config) (source.Conn, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres source: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres source ping: %w", err)
	}
	return &Conn{pool: pool}, nil
}

func (c *Conn) Dialect() source.Dialect { return source.Postgres }

func (c *Conn) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }

func (c *Conn) Close() { c.pool.Close() }

func (c *Conn) TableColumns(ctx context.Context, table string) ([]string, bool, error) {
	rows, err := c.pool.Query(ctx, columnsSQL, table)
	if err != nil {
		return nil, false, err
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, false, err
	}
	return cols, len(cols) > 0, nil
}

func (c *Conn) Query(ctx context.Context, sql string, args ...any) (source.Rows, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &pgRows{rows: rows}, nil
}

type pgRows struct {
	rows pgx.Rows
}

func (r *pgRows) Next() bool { return r.rows.Next() }
func (r *pgRows) Err() error { return r.rows.Err() }
func (r *pgRows) Close()     { r.rows.Close() }

func (r *pgRows) Values() ([]any, error) {
	vals, err := r.rows.Values()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		vals[i] = normalizeValue(v)
	}
	return vals, nil
}

// normalizeValue maps pgx's decoded types onto the plain Go types the rest of
// the pipeline understands.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		if !t.Valid {
			return nil
		}
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(t).String()
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
