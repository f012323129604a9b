package contenttype

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"legacymigrate/internal/source"
	_ "legacymigrate/internal/source/sqlite"
)

func TestRegistryLookups(t *testing.T) {
	r := New([]Entry{
		{ID: 5, AppLabel: "dispatch", Model: "Order"},
		{ID: 7, AppLabel: "", Model: "patient"},
	})
	if name, ok := r.LogicalName(5); !ok || name != "dispatch.order" {
		t.Fatalf("LogicalName(5)=%q,%v", name, ok)
	}
	if name, ok := r.LogicalName(7); !ok || name != "patient" {
		t.Fatalf("LogicalName(7)=%q,%v", name, ok)
	}
	if _, ok := r.LogicalName(99); ok {
		t.Fatalf("LogicalName(99) should miss")
	}
	if es := r.Entries(); len(es) != 2 || es[0].ID != 5 {
		t.Fatalf("Entries=%v", es)
	}
}

func openSQLite(t *testing.T, ddl string) source.Conn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if ddl != "" {
		if _, err := db.Exec(ddl); err != nil {
			t.Fatal(err)
		}
	}
	_ = db.Close()

	conn, err := source.Open(context.Background(), source.Config{Kind: "sqlite", DSN: path})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func TestLoadFromSource(t *testing.T) {
	conn := openSQLite(t, `CREATE TABLE django_content_type (id INTEGER PRIMARY KEY, app_label TEXT, model TEXT);
INSERT INTO django_content_type VALUES (5, 'dispatch', 'order'), (6, 'dispatch', 'project');`)

	reg, err := Load(context.Background(), conn, nil)
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len=%d", reg.Len())
	}
	if name, _ := reg.LogicalName(6); name != "dispatch.project" {
		t.Fatalf("LogicalName(6)=%q", name)
	}
}

func TestLoadMissingTableIsEmpty(t *testing.T) {
	conn := openSQLite(t, `CREATE TABLE other (id INTEGER);`)
	reg, err := Load(context.Background(), conn, nil)
	if err != nil || reg.Len() != 0 {
		t.Fatalf("Load err=%v len=%d", err, reg.Len())
	}
}
