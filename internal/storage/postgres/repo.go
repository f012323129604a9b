// Package postgres is the pgx-backed target store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"legacymigrate/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Batch upserts keyed by legacy_id with INSERT ... ON CONFLICT DO UPDATE,
    reporting inserted vs updated through the xmax system column
  - Patch updates in the same transaction as the batch
  - Read-only integrity queries for the auditor
*/
type Repo struct {
	pool *pgxpool.Pool
}

// maxArgs keeps a statement under the protocol's 65535 bind parameters.
const maxArgs = 60000

func init() {
	storage.Register("postgres", Open)
}

// Open creates a Postgres-backed Repo.
func Open(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() { r.pool.Close() }

func (r *Repo) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func (r *Repo) LegacyIDs(ctx context.Context, table string) (map[string]string, error) {
	q := fmt.Sprintf(`SELECT legacy_id, id::text FROM %s WHERE legacy_id IS NOT NULL`, pgTable(table))
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, id string
		if err := rows.Scan(&k, &id); err != nil {
			return nil, err
		}
		out[k] = id
	}
	return out, rows.Err()
}

// UpsertBatch implements storage.Repository.
func (r *Repo) UpsertBatch(ctx context.Context, table string, rows []storage.Row, patches []storage.Patch) (storage.BatchResult, error) {
	res := storage.BatchResult{IDs: make(map[string]string, len(rows))}
	if err := checkColumns(rows); err != nil {
		return res, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback(ctx)

	if len(rows) > 0 {
		per := max(maxArgs/len(rows[0].Columns), 1)
		for start := 0; start < len(rows); start += per {
			end := min(start+per, len(rows))
			q, args := buildUpsertSQL(table, rows[0].Columns, rows[start:end])
			if err := upsertChunk(ctx, tx, q, args, &res); err != nil {
				return res, fmt.Errorf("upsert %s: %w", table, classify(err))
			}
		}
	}

	for _, p := range patches {
		q, args := buildPatchSQL(table, p)
		tag, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return res, fmt.Errorf("patch %s: %w", table, classify(err))
		}
		if tag.RowsAffected() == 0 {
			res.MissingPatches = append(res.MissingPatches, p.LegacyID)
			continue
		}
		res.Patched++
	}

	if err := tx.Commit(ctx); err != nil {
		return res, classify(err)
	}
	return res, nil
}

// classify marks integrity constraint violations (SQLSTATE class 23) with
// storage.ErrConstraint.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %w", storage.ErrConstraint, err)
	}
	return err
}

func upsertChunk(ctx context.Context, tx pgx.Tx, q string, args []any, res *storage.BatchResult) error {
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var legacyID, id string
		var inserted bool
		if err := rows.Scan(&legacyID, &id, &inserted); err != nil {
			return err
		}
		res.IDs[legacyID] = id
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return rows.Err()
}

// buildUpsertSQL constructs a single multi-row upsert and its args.
//
// Why this exists:
//   - It is pure and deterministic, so placeholder numbering and the ON CONFLICT
//     clause can be unit tested without a database.
//
// The id column is never in the update list, so a re-run keeps the id assigned
// by the first run. RETURNING reports (xmax = 0), which is true only for rows
// this statement inserted.
func buildUpsertSQL(table string, columns []string, rows []storage.Row) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTable(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row.Values[j])
			p++
		}
		b.WriteString(")")
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
		b.WriteString(pgIdent(c))
		b.WriteString(" = EXCLUDED.")
		b.WriteString(pgIdent(c))
		n++
	}
	if n == 0 {
		b.WriteString(`"legacy_id" = EXCLUDED."legacy_id"`)
	}
	b.WriteString(` RETURNING "legacy_id", "id"::text, (xmax = 0) AS inserted`)
	return b.String(), args
}

// buildPatchSQL updates p.Table, or table when the patch names none.
func buildPatchSQL(table string, p storage.Patch) (string, []any) {
	if p.Table != "" {
		table = p.Table
	}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(pgTable(table))
	b.WriteString(" SET ")
	args := make([]any, 0, len(p.Columns)+1)
	for i, c := range p.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = $%d", pgIdent(c), i+1)
		args = append(args, p.Values[i])
	}
	fmt.Fprintf(&b, ` WHERE "legacy_id" = $%d`, len(p.Columns)+1)
	args = append(args, p.LegacyID)
	return b.String(), args
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	return r.count(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE legacy_id IS NOT NULL`, pgTable(table)))
}

func (r *Repo) CountOrphans(ctx context.Context, fk storage.ForeignKey) (int64, error) {
	return r.count(ctx, buildOrphanSQL(fk))
}

func buildOrphanSQL(fk storage.ForeignKey) string {
	return fmt.Sprintf(
		`SELECT COUNT(*) FROM %s c WHERE c.%s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %s p WHERE p."id" = c.%s)`,
		pgTable(fk.Table), pgIdent(fk.Column), pgTable(fk.RefTable), pgIdent(fk.Column),
	)
}

func (r *Repo) DuplicateLegacyIDs(ctx context.Context, table string) (int64, error) {
	q := fmt.Sprintf(
		`SELECT COUNT(*) FROM (SELECT legacy_id FROM %s WHERE legacy_id IS NOT NULL GROUP BY legacy_id HAVING COUNT(*) > 1) d`,
		pgTable(table),
	)
	return r.count(ctx, q)
}

func (r *Repo) count(ctx context.Context, q string) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Repo) SaveRunRecords(ctx context.Context, recs []storage.RunRecord) error {
	if len(recs) == 0 {
		return nil
	}
	const q = `INSERT INTO migration_run_log
(run_id, phase, entity_type, records_processed, records_succeeded, records_failed, started_at, completed_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (run_id, phase, entity_type) DO UPDATE SET
records_processed = EXCLUDED.records_processed,
records_succeeded = EXCLUDED.records_succeeded,
records_failed = EXCLUDED.records_failed,
completed_at = EXCLUDED.completed_at,
status = EXCLUDED.status`

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(q, rec.RunID, rec.Phase, rec.EntityType,
			rec.RecordsProcessed, rec.RecordsSucceeded, rec.RecordsFailed,
			rec.StartedAt, rec.CompletedAt, rec.Status)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save run log: %w", err)
	}
	return nil
}

func (r *Repo) RunRecords(ctx context.Context, runID string) ([]storage.RunRecord, error) {
	if runID == "" {
		err := r.pool.QueryRow(ctx, `SELECT run_id FROM migration_run_log ORDER BY started_at DESC LIMIT 1`).Scan(&runID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	rows, err := r.pool.Query(ctx, `SELECT run_id, phase, entity_type, records_processed, records_succeeded, records_failed, started_at, completed_at, status
FROM migration_run_log WHERE run_id = $1 ORDER BY started_at, entity_type`, runID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.RunRecord, error) {
		var rec storage.RunRecord
		err := row.Scan(&rec.RunID, &rec.Phase, &rec.EntityType, &rec.RecordsProcessed, &rec.RecordsSucceeded,
			&rec.RecordsFailed, &rec.StartedAt, &rec.CompletedAt, &rec.Status)
		return rec, err
	})
}

func checkColumns(rows []storage.Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := rows[0].Columns
	var hasID, hasLegacy bool
	for _, c := range cols {
		hasID = hasID || c == "id"
		hasLegacy = hasLegacy || c == "legacy_id"
	}
	if !hasID || !hasLegacy {
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

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// pgTable quotes a possibly schema-qualified table name ("public.orders").
func pgTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}
