package loader

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/idmap"
	"legacymigrate/internal/retry"
	"legacymigrate/internal/storage"
)

// fakeRepo records UpsertBatch calls and behaves like a store keyed by legacy_id.
type fakeRepo struct {
	storage.Repository

	rows     map[string]map[string]string // table -> legacy -> id
	calls    int
	failN    int
	failErr  error
	lastRows []storage.Row
	saved    []storage.RunRecord
}

func newFakeRepo() *fakeRepo { return &fakeRepo{rows: map[string]map[string]string{}} }

func (f *fakeRepo) LegacyIDs(ctx context.Context, table string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range f.rows[table] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRepo) UpsertBatch(ctx context.Context, table string, rows []storage.Row, patches []storage.Patch) (storage.BatchResult, error) {
	f.calls++
	if f.failN > 0 {
		f.failN--
		if f.failErr != nil {
			return storage.BatchResult{}, f.failErr
		}
		return storage.BatchResult{}, errors.New("deadlock detected")
	}
	f.lastRows = rows
	if f.rows[table] == nil {
		f.rows[table] = map[string]string{}
	}
	res := storage.BatchResult{IDs: map[string]string{}}
	for _, r := range rows {
		if id, ok := f.rows[table][r.LegacyID]; ok {
			res.Updated++
			res.IDs[r.LegacyID] = id
			continue
		}
		id := r.Values[0].(uuid.UUID).String()
		f.rows[table][r.LegacyID] = id
		res.Inserted++
		res.IDs[r.LegacyID] = id
	}
	for _, p := range patches {
		if _, ok := f.rows[p.Table][p.LegacyID]; !ok {
			res.MissingPatches = append(res.MissingPatches, p.LegacyID)
			continue
		}
		res.Patched++
	}
	return res, nil
}

func (f *fakeRepo) SaveRunRecords(ctx context.Context, recs []storage.RunRecord) error {
	f.saved = append(f.saved, recs...)
	return nil
}

func entity(table, legacy string, refs ...storage.Ref) storage.Entity {
	id := uuid.New()
	return storage.Entity{
		Table:    table,
		ID:       id,
		LegacyID: legacy,
		Columns:  []string{"id", "legacy_id", "name"},
		Values:   []any{id, legacy, "n" + legacy},
		Refs:     refs,
	}
}

func spec(t *testing.T, name string) catalog.EntitySpec {
	t.Helper()
	s, ok := catalog.Builtin().Get(name)
	if !ok {
		t.Fatalf("no spec %s", name)
	}
	return s
}

func TestLoadBatchInsertsThenUpdatesWithStableIDs(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	ids := idmap.New()
	l := New(repo, ids, Options{})
	offices := spec(t, catalog.Offices)

	res, err := l.LoadBatch(context.Background(), offices, []storage.Entity{entity("offices", "1"), entity("offices", "2")}, nil)
	if err != nil {
		t.Fatalf("LoadBatch err=%v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 || res.Failed != 0 {
		t.Fatalf("first run=%+v", res)
	}
	first, _ := ids.Lookup("offices", "1")

	res, err = l.LoadBatch(context.Background(), offices, []storage.Entity{entity("offices", "1")}, nil)
	if err != nil {
		t.Fatalf("LoadBatch err=%v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Fatalf("second run=%+v", res)
	}
	if got := repo.lastRows[0].Values[0]; got != first {
		t.Fatalf("re-run id=%v, want existing %v", got, first)
	}
}

func TestLoadBatchResolvesReferences(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	ids := idmap.New()
	officeID := uuid.New()
	ids.Put("offices", "2", officeID)
	l := New(repo, ids, Options{})
	patients := spec(t, catalog.Patients)

	ok := entity("patients", "10",
		storage.Ref{Column: "office_id", Table: "offices", LegacyID: "2", Required: true},
		storage.Ref{Column: "profile_id", Table: "profiles", LegacyID: "77"},
	)
	missingRequired := entity("patients", "11",
		storage.Ref{Column: "office_id", Table: "offices", LegacyID: "3", Required: true},
	)
	emptyRequired := entity("patients", "12",
		storage.Ref{Column: "office_id", Table: "offices", Required: true},
	)

	res, err := l.LoadBatch(context.Background(), patients, []storage.Entity{ok, missingRequired, emptyRequired, entity("patients", "10")}, nil)
	if err != nil {
		t.Fatalf("LoadBatch err=%v", err)
	}
	if res.Inserted != 1 || res.Failed != 3 {
		t.Fatalf("res=%+v", res)
	}
	if res.Failures[0].LegacyID != "11" || res.Failures[0].Column != "office_id" {
		t.Fatalf("failures=%+v", res.Failures)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Column != "profile_id" {
		t.Fatalf("warnings=%+v", res.Warnings)
	}

	row := repo.lastRows[0]
	wantCols := []string{"id", "legacy_id", "name", "office_id", "profile_id"}
	for i, c := range wantCols {
		if row.Columns[i] != c {
			t.Fatalf("columns=%v, want %v", row.Columns, wantCols)
		}
	}
	if row.Values[3] != officeID || row.Values[4] != nil {
		t.Fatalf("values=%v", row.Values)
	}
}

func TestLoadBatchGenericColumnsAndSelfReference(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	ids := idmap.New()
	orderID := uuid.New()
	ids.Put("orders", "42", orderID)
	l := New(repo, ids, Options{})
	messages := spec(t, catalog.Messages)

	parent := entity("messages", "1", storage.Ref{Column: "order_id", Table: "orders", LegacyID: "42", Required: true})
	reply := entity("messages", "2", storage.Ref{Column: "parent_message_id", Table: "messages", LegacyID: "1", Required: true})
	lost := entity("messages", "3", storage.Ref{Column: "order_id", Table: "orders", LegacyID: "43", Required: true})

	res, err := l.LoadBatch(context.Background(), messages, []storage.Entity{parent, reply, lost}, nil)
	if err != nil {
		t.Fatalf("LoadBatch err=%v", err)
	}
	if res.Inserted != 2 || res.Failed != 1 || res.Failures[0].LegacyID != "3" {
		t.Fatalf("res=%+v", res)
	}

	cols := repo.lastRows[0].Columns
	if len(cols) != 3+len(RefColumns(messages)) {
		t.Fatalf("columns=%v", cols)
	}
	idx := func(c string) int {
		for i, x := range cols {
			if x == c {
				return i
			}
		}
		t.Fatalf("missing column %s in %v", c, cols)
		return -1
	}
	if repo.lastRows[0].Values[idx("order_id")] != orderID {
		t.Fatalf("order_id not resolved")
	}
	if repo.lastRows[1].Values[idx("parent_message_id")] != parent.ID {
		t.Fatalf("self reference not resolved from batch")
	}
	if repo.lastRows[1].Values[idx("order_id")] != nil {
		t.Fatalf("unreferenced generic column must be NULL")
	}
}

func TestLoadBatchRetriesThenFails(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.failN = 1
	l := New(repo, idmap.New(), Options{Retry: retry.Policy{MaxRetries: 2}})
	res, err := l.LoadBatch(context.Background(), spec(t, catalog.Offices), []storage.Entity{entity("offices", "1")}, nil)
	if err != nil || res.Inserted != 1 || repo.calls != 2 {
		t.Fatalf("retry: err=%v res=%+v calls=%d", err, res, repo.calls)
	}

	repo = newFakeRepo()
	repo.failN = 10
	l = New(repo, idmap.New(), Options{Retry: retry.Policy{MaxRetries: 1}})
	res, err = l.LoadBatch(context.Background(), spec(t, catalog.Offices), []storage.Entity{entity("offices", "1"), entity("offices", "2")}, nil)
	var be *BatchError
	if !errors.As(err, &be) || be.Rows != 2 {
		t.Fatalf("err=%v, want *BatchError", err)
	}
	if res.Failed != 2 || res.Inserted != 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestLoadBatchDoesNotRetryConstraintViolations(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.failN = 10
	repo.failErr = fmt.Errorf("upsert offices: %w: NOT NULL constraint failed: offices.name", storage.ErrConstraint)
	l := New(repo, idmap.New(), Options{Retry: retry.Policy{MaxRetries: 3}})

	res, err := l.LoadBatch(context.Background(), spec(t, catalog.Offices), []storage.Entity{entity("offices", "1")}, nil)
	var be *BatchError
	if !errors.As(err, &be) || !errors.Is(err, storage.ErrConstraint) {
		t.Fatalf("err=%v, want *BatchError wrapping ErrConstraint", err)
	}
	if repo.calls != 1 || res.Failed != 1 {
		t.Fatalf("calls=%d res=%+v, want a single attempt", repo.calls, res)
	}
}

func TestPrewarmAndPatches(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	existing := uuid.New()
	repo.rows["orders"] = map[string]string{"1": existing.String(), "bad": "not-a-uuid"}
	ids := idmap.New()
	l := New(repo, ids, Options{})

	if err := l.Prewarm(context.Background(), []catalog.EntitySpec{spec(t, catalog.Orders)}); err != nil {
		t.Fatalf("Prewarm err=%v", err)
	}
	if got, ok := ids.Lookup("orders", "1"); !ok || got != existing {
		t.Fatalf("prewarmed id=%v,%v", got, ok)
	}
	if ids.Len("orders") != 1 {
		t.Fatalf("unparsable id should be skipped")
	}

	patches := []storage.Patch{
		{Table: "orders", LegacyID: "1", Columns: []string{"current_state"}, Values: []any{"done"}},
		{Table: "orders", LegacyID: "2", Columns: []string{"current_state"}, Values: []any{"done"}},
	}
	res, err := l.LoadBatch(context.Background(), spec(t, catalog.OrderStateHistory), nil, patches)
	if err != nil {
		t.Fatalf("LoadBatch err=%v", err)
	}
	if res.Patched != 1 || len(res.Warnings) != 1 || res.Warnings[0].LegacyID != "2" {
		t.Fatalf("res=%+v", res)
	}
}

func TestSaveRunLog(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	l := New(repo, idmap.New(), Options{})
	if err := l.SaveRunLog(context.Background(), []storage.RunRecord{{RunID: "r", EntityType: "offices"}}); err != nil {
		t.Fatalf("SaveRunLog err=%v", err)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("saved=%v", repo.saved)
	}
}
