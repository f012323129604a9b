package transformer

import (
	"testing"
	"time"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/storage"
	"legacymigrate/pkg/records"
)

func stateEvent(t *testing.T, tr *Transformer, id, order int64, state string, at time.Time) storage.Entity {
	t.Helper()
	rec := records.New("dispatch_orderstatelog",
		[]string{"id", "state", "changed_at", "order_id"},
		[]any{id, state, at, order},
	)
	e, _, err := tr.Transform(spec(t, catalog.OrderStateHistory), rec)
	if err != nil {
		t.Fatalf("Transform err=%v", err)
	}
	return e
}

func TestFoldOrdersByTimeThenKey(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t, nil)
	t10 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t11 := t10.Add(time.Hour)

	events := []storage.Entity{
		stateEvent(t, tr, 5, 1, "shipped", t11),
		stateEvent(t, tr, 3, 1, "received", t10),
		stateEvent(t, tr, 4, 1, "packed", t11),
		stateEvent(t, tr, 6, 2, "received", t10),
	}

	hist, patches := tr.Fold(spec(t, catalog.OrderStateHistory), events)

	gotOrder := make([]string, 0, len(hist))
	for _, h := range hist {
		gotOrder = append(gotOrder, h.LegacyID)
	}
	want := []string{"3", "4", "5", "6"}
	for i := range want {
		if gotOrder[i] != want[i] {
			t.Fatalf("order=%v, want %v", gotOrder, want)
		}
	}

	exits := []any{t11, t11, nil, nil}
	for i, h := range hist {
		if _, ok := h.Get("changed_at"); ok {
			t.Fatalf("changed_at should be renamed")
		}
		entered, _ := h.Get(ColumnEnteredAt)
		if entered == nil {
			t.Fatalf("row %s has no entered_at", h.LegacyID)
		}
		exited, _ := h.Get(ColumnExitedAt)
		if exited != exits[i] {
			t.Fatalf("row %s exited_at=%v, want %v", h.LegacyID, exited, exits[i])
		}
	}

	if len(patches) != 2 {
		t.Fatalf("patches=%+v", patches)
	}
	p := patches[0]
	if p.Table != "orders" || p.LegacyID != "1" || p.Values[0] != "shipped" || p.Values[1] != t11 {
		t.Fatalf("patch=%+v", p)
	}
	if p.Columns[0] != "current_state" || p.Columns[1] != "current_state_since" {
		t.Fatalf("patch columns=%v", p.Columns)
	}
	if patches[1].LegacyID != "2" || patches[1].Values[0] != "received" {
		t.Fatalf("second patch=%+v", patches[1])
	}
}

func TestFoldKeepsParentlessEvents(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t, nil)
	rec := records.New("dispatch_orderstatelog", []string{"id", "state", "order_id"}, []any{int64(8), "lost", nil})
	e, _, err := tr.Transform(spec(t, catalog.OrderStateHistory), rec)
	if err != nil {
		t.Fatalf("Transform err=%v", err)
	}

	hist, patches := tr.Fold(spec(t, catalog.OrderStateHistory), []storage.Entity{e})
	if len(hist) != 1 || len(patches) != 0 {
		t.Fatalf("hist=%d patches=%d", len(hist), len(patches))
	}
	if at, _ := hist[0].Get(ColumnEnteredAt); at != runStart {
		t.Fatalf("entered_at=%v, want run start default", at)
	}
}

func TestKeyLess(t *testing.T) {
	t.Parallel()
	if !keyLess("9", "10") {
		t.Fatalf("numeric keys compare numerically")
	}
	if !keyLess("a", "b") || keyLess("b", "a") {
		t.Fatalf("text keys compare lexically")
	}
}
