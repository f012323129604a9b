// Package mssql reads legacy data from SQL Server through go-mssqldb.
package mssql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"

	"legacymigrate/internal/source"
)

func init() {
	source.Register("mssql", Open)
}

const columnsSQL = `SELECT COLUMN_NAME
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_NAME = @p1
ORDER BY ORDINAL_POSITION`

// Open connects with the "sqlserver" driver and verifies connectivity.
func Open(ctx context.Context, cfg source.Config) (source.Conn, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql source: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql source ping: %w", err)
	}
	return source.NewSQLConn(db, source.MSSQL, columnsSQL), nil
}
