// Package sqlite reads legacy data from a SQLite file (snapshots, fixtures and
// the end-to-end tests) through modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"legacymigrate/internal/source"
)

func init() {
	source.Register("sqlite", Open)
}

const columnsSQL = `SELECT name FROM pragma_table_info(?) ORDER BY cid`

// Open opens the database file named by cfg.DSN and verifies it is readable.
func Open(ctx context.Context, cfg source.Config) (source.Conn, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite source: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite source ping: %w", err)
	}
	return source.NewSQLConn(db, source.SQLite, columnsSQL), nil
}
