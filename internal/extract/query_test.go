package extract

import (
	"reflect"
	"testing"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/probe"
	"legacymigrate/internal/source"
)

func officesSpec(t *testing.T) catalog.EntitySpec {
	t.Helper()
	spec, ok := catalog.Builtin().Get(catalog.Offices)
	if !ok {
		t.Fatal("offices spec missing")
	}
	return spec
}

func TestBuildQuery_Dialects(t *testing.T) {
	spec := officesSpec(t)
	cs := probe.NewColumnSet("dispatch_office", []string{"id", "name", "zip", "is_active"})

	tests := []struct {
		name    string
		d       source.Dialect
		after   any
		wantSQL string
	}{
		{
			name:    "postgres_first_page",
			d:       source.Postgres,
			wantSQL: `SELECT "id", "name", "zip", "is_active" FROM "dispatch_office" ORDER BY "id" LIMIT 100`,
		},
		{
			name:    "postgres_next_page",
			d:       source.Postgres,
			after:   int64(42),
			wantSQL: `SELECT "id", "name", "zip", "is_active" FROM "dispatch_office" WHERE "id" > $1 ORDER BY "id" LIMIT 100`,
		},
		{
			name:    "mssql_top",
			d:       source.MSSQL,
			after:   int64(42),
			wantSQL: `SELECT TOP 100 [id], [name], [zip], [is_active] FROM [dispatch_office] WHERE [id] > @p1 ORDER BY [id]`,
		},
		{
			name:    "sqlite",
			d:       source.SQLite,
			after:   int64(7),
			wantSQL: `SELECT "id", "name", "zip", "is_active" FROM "dispatch_office" WHERE "id" > ? ORDER BY "id" LIMIT 100`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := BuildQuery(tt.d, spec, cs, tt.after, 100)
			if err != nil {
				t.Fatalf("BuildQuery err=%v", err)
			}
			if q.SQL != tt.wantSQL {
				t.Fatalf("SQL mismatch\n got: %s\nwant: %s", q.SQL, tt.wantSQL)
			}
			wantCols := []string{"id", "name", "zip_code", "is_active"}
			if !reflect.DeepEqual(q.Columns, wantCols) {
				t.Fatalf("Columns=%v want %v", q.Columns, wantCols)
			}
			if (tt.after == nil) != (len(q.Args) == 0) {
				t.Fatalf("Args=%v for after=%v", q.Args, tt.after)
			}
		})
	}
}

func TestBuildQuery_Errors(t *testing.T) {
	spec := officesSpec(t)
	if _, err := BuildQuery(source.Postgres, spec, probe.Absent("dispatch_office"), nil, 10); err == nil {
		t.Fatalf("absent table should error")
	}
	if _, err := BuildQuery(source.Postgres, spec, probe.NewColumnSet("dispatch_office", []string{"name"}), nil, 10); err == nil {
		t.Fatalf("missing primary key should error")
	}
	if _, err := BuildQuery(source.Postgres, spec, probe.NewColumnSet("dispatch_office", []string{"id"}), nil, 0); err == nil {
		t.Fatalf("zero limit should error")
	}
}

func TestCountQuery(t *testing.T) {
	if got := CountQuery(source.MSSQL, "dispatch_order"); got != "SELECT COUNT(*) FROM [dispatch_order]" {
		t.Fatalf("CountQuery=%s", got)
	}
}
