package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"legacymigrate/internal/storage"
)

func TestParseSQLiteTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{
			name: "written by the repo",
			in:   "2024-01-02T03:04:05.123456789Z",
			want: time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC),
		},
		{
			name: "rfc3339 with offset",
			in:   "2024-01-02T05:04:05+02:00",
			want: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		{
			name: "sqlite datetime with offset and micros",
			in:   "2024-01-02 03:04:05.250000+00:00",
			want: time.Date(2024, 1, 2, 3, 4, 5, 250000000, time.UTC),
		},
		{
			name: "sqlite datetime() default is utc",
			in:   " 2024-01-02 03:04:05 ",
			want: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		{name: "empty", in: "", wantErr: true},
		{name: "garbage", in: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSQLiteTime(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSQLiteTime(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Fatalf("parseSQLiteTime(%q)=%s want %s", tt.in, got.UTC().Format(time.RFC3339Nano), tt.want.Format(time.RFC3339Nano))
			}
		})
	}
}

// Run-log timestamps keep sub-second precision and come back in UTC, whether
// the repo wrote them or an operator inserted a row with datetime('now').
func TestRunRecordsTimestamps(t *testing.T) {
	ctx := context.Background()
	repo, path := newRepo(t)

	started := time.Date(2024, 3, 1, 9, 30, 0, 123456789, time.FixedZone("CET", 3600))
	done := started.Add(90 * time.Second)
	rec := storage.RunRecord{RunID: "run-a", Phase: "reference", EntityType: "offices", StartedAt: started, CompletedAt: &done, Status: "completed"}
	if err := repo.SaveRunRecords(ctx, []storage.RunRecord{rec}); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`INSERT INTO migration_run_log (run_id, phase, entity_type, started_at, completed_at, status)
VALUES ('run-a', 'parties', 'patients', '2024-03-02 08:31:00', NULL, 'running')`)
	_ = db.Close()
	if err != nil {
		t.Fatal(err)
	}

	got, err := repo.RunRecords(ctx, "run-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("records=%+v", got)
	}
	if got[0].EntityType != "offices" || !got[0].StartedAt.Equal(started) || got[0].StartedAt.Location() != time.UTC {
		t.Fatalf("offices started_at=%s", got[0].StartedAt)
	}
	if got[0].CompletedAt == nil || !got[0].CompletedAt.Equal(done) {
		t.Fatalf("offices completed_at=%v", got[0].CompletedAt)
	}
	if want := time.Date(2024, 3, 2, 8, 31, 0, 0, time.UTC); !got[1].StartedAt.Equal(want) || got[1].CompletedAt != nil {
		t.Fatalf("patients=%+v", got[1])
	}
}
