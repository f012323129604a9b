package source

import (
	"context"
	"database/sql"
	"strings"
)

// SQLConn adapts a database/sql handle to Conn. The mssql and sqlite backends
// share it; they differ only in dialect and catalog query.
type SQLConn struct {
	db      *sql.DB
	dialect Dialect

	// columnsSQL takes the table name as its only parameter and returns one
	// column name per row.
	columnsSQL string
}

// NewSQLConn wraps db.
func NewSQLConn(db *sql.DB, dialect Dialect, columnsSQL string) *SQLConn {
	return &SQLConn{db: db, dialect: dialect, columnsSQL: columnsSQL}
}

func (c *SQLConn) Dialect() Dialect { return c.dialect }

func (c *SQLConn) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *SQLConn) Close() { _ = c.db.Close() }

// TableColumns runs the backend's catalog query. A table with no catalog rows
// is reported as absent.
func (c *SQLConn) TableColumns(ctx context.Context, table string) ([]string, bool, error) {
	rows, err := c.db.QueryContext(ctx, c.columnsSQL, table)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, false, err
		}
		cols = append(cols, strings.TrimSpace(name))
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return cols, len(cols) > 0, nil
}

func (c *SQLConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	return &sqlRows{rows: rows, n: len(cols)}, nil
}

type sqlRows struct {
	rows *sql.Rows
	n    int
}

func (r *sqlRows) Next() bool { return r.rows.Next() }
func (r *sqlRows) Err() error { return r.rows.Err() }
func (r *sqlRows) Close()     { _ = r.rows.Close() }

func (r *sqlRows) Values() ([]any, error) {
	vals := make([]any, r.n)
	ptrs := make([]any, r.n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range vals {
		// database/sql reuses byte buffers between rows.
		if b, ok := v.([]byte); ok {
			vals[i] = append([]byte(nil), b...)
		}
	}
	return vals, nil
}
