package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"reflect"
	"testing"

	"legacymigrate/internal/source"
)

func TestTableColumnsAndQuery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE dispatch_office (id INTEGER PRIMARY KEY, name TEXT, zip TEXT);
INSERT INTO dispatch_office (id, name, zip) VALUES (1, 'North', '1000'), (2, 'South', NULL);`); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	conn, err := source.Open(ctx, source.Config{Kind: "sqlite", DSN: path})
	if err != nil {
		t.Fatalf("Open err=%v", err)
	}
	defer conn.Close()

	cols, ok, err := conn.TableColumns(ctx, "dispatch_office")
	if err != nil || !ok {
		t.Fatalf("TableColumns ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(cols, []string{"id", "name", "zip"}) {
		t.Fatalf("cols=%v", cols)
	}

	if _, ok, err := conn.TableColumns(ctx, "dispatch_missing"); ok || err != nil {
		t.Fatalf("missing table ok=%v err=%v", ok, err)
	}

	rows, err := conn.Query(ctx, `SELECT id, name, zip FROM dispatch_office ORDER BY id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	var got [][]any
	for rows.Next() {
		v, err := rows.Values()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0][0] != int64(1) || got[1][2] != nil {
		t.Fatalf("rows=%#v", got)
	}
}
