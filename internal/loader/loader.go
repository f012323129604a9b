// Package loader is the only writer to the target store.
//
// It resolves each entity's foreign-key Refs to target ids through the run's
// id map, upserts one batch per transaction keyed by legacy_id, and records
// the ids the store reports so later entity types can reference them.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/idmap"
	"legacymigrate/internal/logging"
	"legacymigrate/internal/metrics"
	"legacymigrate/internal/retry"
	"legacymigrate/internal/storage"
)

// RowFailure is why one row was not written (or, as a warning, written with
// a NULL reference).
type RowFailure struct {
	LegacyID string `json:"legacy_id"`
	Column   string `json:"column,omitempty"`
	Message  string `json:"message"`
}

// LoadResult reports one LoadBatch call. Failed counts rows not written;
// Failures explains each of them.
type LoadResult struct {
	Inserted int
	Updated  int
	Failed   int
	Patched  int

	Failures []RowFailure
	Warnings []RowFailure
}

// Add accumulates o into r.
func (r *LoadResult) Add(o LoadResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Failed += o.Failed
	r.Patched += o.Patched
	r.Failures = append(r.Failures, o.Failures...)
	r.Warnings = append(r.Warnings, o.Warnings...)
}

// Succeeded is the number of rows written.
func (r LoadResult) Succeeded() int { return r.Inserted + r.Updated }

// BatchError is a batch whose transaction failed after all retries. Every
// row of the batch is counted as failed.
type BatchError struct {
	Entity string
	Table  string
	Rows   int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("load %s batch of %d rows into %s: %v", e.Entity, e.Rows, e.Table, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Options configures a Loader.
type Options struct {
	Retry  retry.Policy
	Logger *slog.Logger
}

// Loader writes batches through a storage.Repository.
//
// Batches of one entity type must be loaded in order by a single goroutine;
// different entity types may load concurrently.
type Loader struct {
	repo   storage.Repository
	ids    *idmap.Map
	policy retry.Policy
	log    *slog.Logger
}

// New returns a Loader that records loaded ids into ids.
func New(repo storage.Repository, ids *idmap.Map, opts Options) *Loader {
	return &Loader{
		repo:   repo,
		ids:    ids,
		policy: opts.Retry,
		log:    logging.OrDiscard(opts.Logger),
	}
}

// Prewarm loads existing legacy_id -> id mappings of every target table in
// specs into the id map, so a re-run reuses ids and resolves references to
// rows written by earlier runs.
//
// Unparsable ids are skipped with a warning.
func (l *Loader) Prewarm(ctx context.Context, specs []catalog.EntitySpec) error {
	for _, s := range specs {
		var existing map[string]string
		err := retry.Do(ctx, l.policy, func(ctx context.Context) error {
			var err error
			existing, err = l.repo.LegacyIDs(ctx, s.Target)
			return err
		})
		if err != nil {
			return fmt.Errorf("prewarm %s: %w", s.Target, err)
		}

		parsed := make(map[string]uuid.UUID, len(existing))
		for legacy, raw := range existing {
			id, err := uuid.Parse(raw)
			if err != nil {
				l.log.Warn("prewarm: unparsable id", "stage", "load", "table", s.Target, "legacy_id", legacy, "id", raw)
				continue
			}
			parsed[legacy] = id
		}
		l.ids.Merge(s.Target, parsed)
		l.log.Debug("prewarmed id map", "stage", "load", "table", s.Target, "ids", len(parsed))
	}
	return nil
}

/*
LoadBatch upserts entities (all of spec's entity type) and applies patches in
one transaction.

Per row:
  - A legacy id already seen in this batch is dropped as a failure.
  - The row keeps the id already mapped for its legacy id, if any, so re-runs
    update rather than duplicate.
  - Each Ref resolves through Ref.Resolved, then rows earlier in this batch
    (self references), then the id map. A required Ref without a mapping
    fails the row. An optional one is written as NULL with a warning.

Every FK and generic column of spec is written for every row, NULL when the
row has no Ref for it.

Errors:
  - *BatchError when the transaction fails after retries. The result then
    counts every row as failed. A constraint violation (storage.ErrConstraint)
    is not retried.
*/
func (l *Loader) LoadBatch(ctx context.Context, spec catalog.EntitySpec, entities []storage.Entity, patches []storage.Patch) (LoadResult, error) {
	var res LoadResult
	refCols := RefColumns(spec)

	seen := make(map[string]bool, len(entities))
	batchIDs := make(map[string]uuid.UUID, len(entities))
	rows := make([]storage.Row, 0, len(entities))

	for _, e := range entities {
		if seen[e.LegacyID] {
			res.fail(RowFailure{LegacyID: e.LegacyID, Message: "duplicate legacy id in batch"})
			continue
		}
		seen[e.LegacyID] = true

		id := e.ID
		if existing, ok := l.ids.Lookup(spec.Target, e.LegacyID); ok {
			id = existing
		}

		row, failure, warnings := l.buildRow(spec, e, id, refCols, batchIDs)
		res.Warnings = append(res.Warnings, warnings...)
		if failure != nil {
			res.fail(*failure)
			continue
		}
		batchIDs[e.LegacyID] = id
		rows = append(rows, row)
	}

	if len(rows) == 0 && len(patches) == 0 {
		return res, nil
	}

	var out storage.BatchResult
	err := retry.Do(ctx, l.policy, func(ctx context.Context) error {
		var err error
		out, err = l.repo.UpsertBatch(ctx, spec.Target, rows, patches)
		if errors.Is(err, storage.ErrConstraint) {
			return retry.Permanent(err)
		}
		return err
	})
	metrics.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"entity": spec.Name, "status": statusOf(err)})
	if err != nil {
		for _, r := range rows {
			res.fail(RowFailure{LegacyID: r.LegacyID, Message: "batch rolled back"})
		}
		l.log.Error("batch failed", "stage", "load", "entity", spec.Name, "rows", len(rows), "err", err)
		return res, &BatchError{Entity: spec.Name, Table: spec.Target, Rows: len(rows), Err: err}
	}

	for legacy, raw := range out.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			res.Warnings = append(res.Warnings, RowFailure{LegacyID: legacy, Message: fmt.Sprintf("store returned unparsable id %q", raw)})
			continue
		}
		l.ids.Put(spec.Target, legacy, id)
	}
	for _, legacy := range out.MissingPatches {
		res.Warnings = append(res.Warnings, RowFailure{LegacyID: legacy, Message: "patch matched no row"})
	}

	res.Inserted = out.Inserted
	res.Updated = out.Updated
	res.Patched = out.Patched

	metrics.RecordOutcome(spec.Name, "inserted", res.Inserted)
	metrics.RecordOutcome(spec.Name, "updated", res.Updated)
	metrics.RecordOutcome(spec.Name, "failed", res.Failed)
	return res, nil
}

func (r *LoadResult) fail(f RowFailure) {
	r.Failed++
	r.Failures = append(r.Failures, f)
}

func (l *Loader) buildRow(spec catalog.EntitySpec, e storage.Entity, id uuid.UUID, refCols []string, batchIDs map[string]uuid.UUID) (storage.Row, *RowFailure, []RowFailure) {
	cols := make([]string, 0, len(e.Columns)+len(refCols))
	vals := make([]any, 0, len(e.Columns)+len(refCols))
	for i, c := range e.Columns {
		v := e.Values[i]
		if c == "id" {
			v = id
		}
		cols = append(cols, c)
		vals = append(vals, v)
	}

	byColumn := make(map[string]storage.Ref, len(e.Refs))
	for _, r := range e.Refs {
		byColumn[r.Column] = r
	}

	var warnings []RowFailure
	for _, c := range refCols {
		cols = append(cols, c)
		ref, ok := byColumn[c]
		if !ok {
			vals = append(vals, nil)
			continue
		}
		target, msg := l.resolveRef(spec, ref, batchIDs)
		switch {
		case target != nil:
			vals = append(vals, *target)
		case ref.Required:
			return storage.Row{}, &RowFailure{LegacyID: e.LegacyID, Column: c, Message: msg}, warnings
		default:
			if ref.LegacyID != "" {
				warnings = append(warnings, RowFailure{LegacyID: e.LegacyID, Column: c, Message: msg})
			}
			vals = append(vals, nil)
		}
	}
	return storage.Row{LegacyID: e.LegacyID, Columns: cols, Values: vals}, nil, warnings
}

func (l *Loader) resolveRef(spec catalog.EntitySpec, ref storage.Ref, batchIDs map[string]uuid.UUID) (*uuid.UUID, string) {
	if ref.Resolved != nil {
		return ref.Resolved, ""
	}
	if ref.LegacyID == "" {
		return nil, "required reference is empty"
	}
	if ref.Table == spec.Target {
		if id, ok := batchIDs[ref.LegacyID]; ok {
			return &id, ""
		}
	}
	if id, ok := l.ids.Lookup(ref.Table, ref.LegacyID); ok {
		return &id, ""
	}
	return nil, fmt.Sprintf("no %s row for legacy id %s", ref.Table, ref.LegacyID)
}

// RefColumns lists spec's FK columns followed by its generic target columns.
func RefColumns(spec catalog.EntitySpec) []string {
	out := make([]string, 0, len(spec.ForeignKeys)+4)
	for _, fk := range spec.ForeignKeys {
		out = append(out, fk.Column)
	}
	if spec.Generic != nil {
		out = append(out, spec.Generic.TargetColumns()...)
	}
	return out
}

// SaveRunLog persists run-log records.
func (l *Loader) SaveRunLog(ctx context.Context, recs []storage.RunRecord) error {
	return retry.Do(ctx, l.policy, func(ctx context.Context) error {
		return l.repo.SaveRunRecords(ctx, recs)
	})
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
