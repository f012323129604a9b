// Package sqlite is the modernc.org/sqlite target store. It backs local dry
// runs against a copy of the target schema and the end-to-end tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"legacymigrate/internal/storage"
	"legacymigrate/pkg/records"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native TIMESTAMPTZ type, so timestamps are written as
//     RFC3339Nano UTC text for reliable round-trips.
//   - Inserted vs updated is decided by reading existing legacy ids inside the
//     batch transaction; SQLite's RETURNING cannot tell the two apart.
//   - UUIDs are stored as canonical text.
type Repo struct {
	db *sql.DB
}

// maxArgs keeps a statement under SQLITE_MAX_VARIABLE_NUMBER.
const maxArgs = 30000

func init() {
	storage.Register("sqlite", Open)
}

// Open opens the database file named by cfg.DSN.
func Open(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// One writer at a time; avoids SQLITE_BUSY between parallel entity workers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repo) LegacyIDs(ctx context.Context, table string) (map[string]string, error) {
	q := fmt.Sprintf(`SELECT legacy_id, id FROM %s WHERE legacy_id IS NOT NULL`, sqlIdent(table))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, id any
		if err := rows.Scan(&k, &id); err != nil {
			return nil, err
		}
		out[records.Key(k)] = records.Key(id)
	}
	return out, rows.Err()
}

// UpsertBatch implements storage.Repository.
func (r *Repo) UpsertBatch(ctx context.Context, table string, rows []storage.Row, patches []storage.Patch) (storage.BatchResult, error) {
	res := storage.BatchResult{IDs: make(map[string]string, len(rows))}
	if err := checkColumns(rows); err != nil {
		return res, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if len(rows) > 0 {
		existing, err := existingIDs(ctx, tx, table, rows)
		if err != nil {
			return res, fmt.Errorf("select existing: %w", err)
		}

		per := maxArgs / len(rows[0].Columns)
		if per < 1 {
			per = 1
		}
		for start := 0; start < len(rows); start += per {
			end := min(start+per, len(rows))
			q, args := buildUpsertSQL(table, rows[0].Columns, rows[start:end])
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return res, fmt.Errorf("upsert %s: %w", table, classify(err))
			}
		}

		idIdx := indexOf(rows[0].Columns, "id")
		for _, row := range rows {
			if id, ok := existing[row.LegacyID]; ok {
				res.Updated++
				res.IDs[row.LegacyID] = id
				continue
			}
			res.Inserted++
			res.IDs[row.LegacyID] = records.Key(normalizeArg(row.Values[idIdx]))
		}
	}

	for _, p := range patches {
		q, args := buildPatchSQL(table, p)
		out, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return res, fmt.Errorf("patch %s: %w", table, classify(err))
		}
		n, err := out.RowsAffected()
		if err != nil {
			return res, err
		}
		if n == 0 {
			res.MissingPatches = append(res.MissingPatches, p.LegacyID)
			continue
		}
		res.Patched++
	}

	if err := tx.Commit(); err != nil {
		return res, classify(err)
	}
	return res, nil
}

// classify marks SQLITE_CONSTRAINT failures (and their extended codes) with
// storage.ErrConstraint.
func classify(err error) error {
	var se *msqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %w", storage.ErrConstraint, err)
	}
	return err
}

func existingIDs(ctx context.Context, tx *sql.Tx, table string, rows []storage.Row) (map[string]string, error) {
	out := map[string]string{}
	for start := 0; start < len(rows); start += maxArgs {
		end := min(start+maxArgs, len(rows))
		keys := make([]any, 0, end-start)
		for _, row := range rows[start:end] {
			keys = append(keys, row.LegacyID)
		}
		ph := strings.TrimRight(strings.Repeat("?,", len(keys)), ",")
		q := fmt.Sprintf(`SELECT legacy_id, id FROM %s WHERE legacy_id IN (%s)`, sqlIdent(table), ph)

		rs, err := tx.QueryContext(ctx, q, keys...)
		if err != nil {
			return nil, err
		}
		for rs.Next() {
			var k, id any
			if err := rs.Scan(&k, &id); err != nil {
				rs.Close()
				return nil, err
			}
			out[records.Key(k)] = records.Key(id)
		}
		if err := rs.Close(); err != nil {
			return nil, err
		}
		if err := rs.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// buildUpsertSQL constructs one multi-row INSERT ... ON CONFLICT(legacy_id)
// DO UPDATE. id is never overwritten, so an existing row keeps its identity.
//
// It is pure so placeholder/arg alignment can be tested without a database.
func buildUpsertSQL(table string, columns []string, rows []storage.Row) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	row := "(" + strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ") + ")"
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
		for _, v := range r.Values {
			args = append(args, normalizeArg(v))
		}
	}

	b.WriteString(` ON CONFLICT ("legacy_id") DO UPDATE SET `)
	n := 0
	for _, c := range columns {
		if c == "id" || c == "legacy_id" {
			continue
		}
		if n > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
		b.WriteString(" = excluded.")
		b.WriteString(sqlIdent(c))
		n++
	}
	if n == 0 {
		// Nothing to update; keep the statement valid.
		b.WriteString(`"legacy_id" = excluded."legacy_id"`)
	}
	return b.String(), args
}

// buildPatchSQL updates p.Table, or table when the patch names none.
func buildPatchSQL(table string, p storage.Patch) (string, []any) {
	if p.Table != "" {
		table = p.Table
	}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" SET ")
	args := make([]any, 0, len(p.Columns)+1)
	for i, c := range p.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
		b.WriteString(" = ?")
		args = append(args, normalizeArg(p.Values[i]))
	}
	b.WriteString(` WHERE "legacy_id" = ?`)
	args = append(args, p.LegacyID)
	return b.String(), args
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	return r.count(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE legacy_id IS NOT NULL`, sqlIdent(table)))
}

func (r *Repo) CountOrphans(ctx context.Context, fk storage.ForeignKey) (int64, error) {
	q := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s c WHERE c.%s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %s p WHERE p."id" = c.%s)`,
		sqlIdent(fk.Table), sqlIdent(fk.Column), sqlIdent(fk.RefTable), sqlIdent(fk.Column),
	)
	return r.count(ctx, q)
}

func (r *Repo) DuplicateLegacyIDs(ctx context.Context, table string) (int64, error) {
	q := fmt.Sprintf(
		`SELECT COUNT(*) FROM (SELECT legacy_id FROM %s WHERE legacy_id IS NOT NULL GROUP BY legacy_id HAVING COUNT(*) > 1) d`,
		sqlIdent(table),
	)
	return r.count(ctx, q)
}

func (r *Repo) count(ctx context.Context, q string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Repo) SaveRunRecords(ctx context.Context, recs []storage.RunRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const q = `INSERT INTO migration_run_log
(run_id, phase, entity_type, records_processed, records_succeeded, records_failed, started_at, completed_at, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, phase, entity_type) DO UPDATE SET
records_processed = excluded.records_processed,
records_succeeded = excluded.records_succeeded,
records_failed = excluded.records_failed,
completed_at = excluded.completed_at,
status = excluded.status`

	for _, rec := range recs {
		var completed any
		if rec.CompletedAt != nil {
			completed = formatSQLiteTime(*rec.CompletedAt)
		}
		if _, err := tx.ExecContext(ctx, q,
			rec.RunID, rec.Phase, rec.EntityType,
			rec.RecordsProcessed, rec.RecordsSucceeded, rec.RecordsFailed,
			formatSQLiteTime(rec.StartedAt), completed, rec.Status,
		); err != nil {
			return fmt.Errorf("save run log: %w", err)
		}
	}
	return tx.Commit()
}

func (r *Repo) RunRecords(ctx context.Context, runID string) ([]storage.RunRecord, error) {
	if runID == "" {
		err := r.db.QueryRowContext(ctx, `SELECT run_id FROM migration_run_log ORDER BY started_at DESC LIMIT 1`).Scan(&runID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	rows, err := r.db.QueryContext(ctx, `SELECT run_id, phase, entity_type, records_processed, records_succeeded, records_failed, started_at, completed_at, status
FROM migration_run_log WHERE run_id = ? ORDER BY started_at, entity_type`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.RunRecord
	for rows.Next() {
		var rec storage.RunRecord
		var started string
		var completed sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Phase, &rec.EntityType, &rec.RecordsProcessed, &rec.RecordsSucceeded,
			&rec.RecordsFailed, &started, &completed, &rec.Status); err != nil {
			return nil, err
		}
		if rec.StartedAt, err = parseSQLiteTime(started); err != nil {
			return nil, fmt.Errorf("run log started_at: %w", err)
		}
		if completed.Valid {
			ts, err := parseSQLiteTime(completed.String)
			if err != nil {
				return nil, fmt.Errorf("run log completed_at: %w", err)
			}
			rec.CompletedAt = &ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func checkColumns(rows []storage.Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := rows[0].Columns
	if indexOf(cols, "id") < 0 || indexOf(cols, "legacy_id") < 0 {
		return fmt.Errorf("rows must include id and legacy_id columns")
	}
	for _, r := range rows {
		if len(r.Columns) != len(cols) || len(r.Values) != len(cols) {
			return fmt.Errorf("row %s: column count mismatch", r.LegacyID)
		}
		for i := range cols {
			if r.Columns[i] != cols[i] {
				return fmt.Errorf("row %s: column %d is %q, want %q", r.LegacyID, i, r.Columns[i], cols[i])
			}
		}
	}
	return nil
}

// normalizeArg converts values into types SQLite stores predictably.
func normalizeArg(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatSQLiteTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return formatSQLiteTime(*t)
	case uuid.UUID:
		return t.String()
	case *uuid.UUID:
		if t == nil {
			return nil
		}
		return t.String()
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = sqlIdent(c)
	}
	return strings.Join(parts, ", ")
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
// We store timestamps as TEXT for reliable scanning/parsing with modernc.org/sqlite.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - "2006-01-02 15:04:05Z07:00" and "2006-01-02 15:04:05.999999999Z07:00"
//   - "2006-01-02 15:04:05" (interpreted as UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02 15:04:05" {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
			continue
		}
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
