package probe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/retry"
)

// fakeCatalog serves fixed tables and can fail a number of times per table.
type fakeCatalog struct {
	mu     sync.Mutex
	tables map[string][]string
	fail   map[string]int
	calls  map[string]int
}

func (f *fakeCatalog) TableColumns(ctx context.Context, table string) ([]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[table]++
	if f.fail[table] > 0 {
		f.fail[table]--
		return nil, false, errors.New("catalog unavailable")
	}
	cols, ok := f.tables[table]
	return cols, ok, nil
}

func TestProbeCachesSuccess(t *testing.T) {
	fc := &fakeCatalog{tables: map[string][]string{"dispatch_office": {"id", "Name", "zip"}}}
	p := New(fc)

	for i := 0; i < 3; i++ {
		cs := p.Probe(context.Background(), "dispatch_office")
		if cs.Absent() || !cs.Has("name") || !cs.Has("ZIP") || cs.Has("phone") {
			t.Fatalf("unexpected column set %v", cs.Names())
		}
	}
	if fc.calls["dispatch_office"] != 1 {
		t.Fatalf("catalog calls=%d, want 1", fc.calls["dispatch_office"])
	}

	if cs := p.Probe(context.Background(), "dispatch_missing"); !cs.Absent() {
		t.Fatalf("missing table should be absent")
	}
	_ = p.Probe(context.Background(), "dispatch_missing")
	if fc.calls["dispatch_missing"] != 1 {
		t.Fatalf("absent table should be cached; calls=%d", fc.calls["dispatch_missing"])
	}
}

func TestProbeRetriesThenFails(t *testing.T) {
	fc := &fakeCatalog{
		tables: map[string][]string{"auth_user": {"id", "email"}},
		fail:   map[string]int{"auth_user": 5},
	}
	p := New(fc, WithRetry(retry.Policy{MaxRetries: 1, Initial: time.Millisecond}))

	cs := p.Probe(context.Background(), "auth_user")
	if cs.Err() == nil || cs.Absent() {
		t.Fatalf("persistent failure: err=%v absent=%v, want error and not absent", cs.Err(), cs.Absent())
	}
	if fc.calls["auth_user"] != 2 {
		t.Fatalf("calls=%d, want 2 (1 + 1 retry)", fc.calls["auth_user"])
	}

	fc.fail["auth_user"] = 0
	if cs := p.Probe(context.Background(), "auth_user"); cs.Absent() || !cs.Has("email") {
		t.Fatalf("failure must not be cached; got absent")
	}
}

func TestProbeFirstStopsAtFailedCandidate(t *testing.T) {
	fc := &fakeCatalog{
		tables: map[string][]string{"dispatch_instruction": {"id"}},
		fail:   map[string]int{"dispatch_order": 1},
	}
	p := New(fc)

	cs := p.ProbeFirst(context.Background(), []string{"dispatch_order", "dispatch_instruction"})
	if cs.Err() == nil || cs.Table() != "dispatch_order" {
		t.Fatalf("ProbeFirst table=%q err=%v, want failed dispatch_order", cs.Table(), cs.Err())
	}
	if fc.calls["dispatch_instruction"] != 0 {
		t.Fatalf("fallback candidate probed after a failure")
	}

	fc.fail["dispatch_office"] = 1
	r := p.Capabilities(context.Background(), catalog.DefaultEntities()[:1])
	if r.Entities[0].Err == nil || r.Entities[0].Absent {
		t.Fatalf("offices err=%v absent=%v", r.Entities[0].Err, r.Entities[0].Absent)
	}
	if !strings.Contains(r.String(), "PROBE FAILED") {
		t.Fatalf("report:\n%s", r.String())
	}
}

func TestProbeFirstPicksFirstExisting(t *testing.T) {
	fc := &fakeCatalog{tables: map[string][]string{"dispatch_instruction": {"id"}}}
	p := New(fc)

	cs := p.ProbeFirst(context.Background(), []string{"dispatch_order", "dispatch_instruction"})
	if cs.Absent() || cs.Table() != "dispatch_instruction" {
		t.Fatalf("ProbeFirst table=%q absent=%v", cs.Table(), cs.Absent())
	}
	cs = p.ProbeFirst(context.Background(), []string{"a", "b"})
	if !cs.Absent() || cs.Table() != "a" {
		t.Fatalf("ProbeFirst none table=%q absent=%v", cs.Table(), cs.Absent())
	}
}

func TestCapabilitiesReport(t *testing.T) {
	fc := &fakeCatalog{tables: map[string][]string{"dispatch_office": {"id", "name", "postal_code"}}}
	p := New(fc)
	specs := catalog.DefaultEntities()[:2] // offices, order_types

	r := p.Capabilities(context.Background(), specs)
	if len(r.Entities) != 2 {
		t.Fatalf("entities=%d", len(r.Entities))
	}
	off := r.Entities[0]
	if off.Absent {
		t.Fatalf("offices should be present")
	}
	var zip FieldCapability
	for _, f := range off.Fields {
		if f.Canonical == "zip_code" {
			zip = f
		}
	}
	if zip.Source != "postal_code" {
		t.Fatalf("zip_code source=%q", zip.Source)
	}
	if !r.Entities[1].Absent {
		t.Fatalf("order_types should be absent")
	}

	s := r.String()
	if !strings.Contains(s, "ABSENT") || !strings.Contains(s, "<- postal_code") || !strings.Contains(s, `default ""`) {
		t.Fatalf("report:\n%s", s)
	}
}
