package storage

import (
	"context"
	"strings"
	"testing"
)

func TestOpenErrors(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("Open with empty kind should fail")
	}
	if _, err := Open(context.Background(), Config{Kind: "oracle"}); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("Open(oracle) err=%v", err)
	}
}

func TestRegisterPanics(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expected panic", name)
			}
		}()
		fn()
	}
	f := func(ctx context.Context, cfg Config) (Repository, error) { return nil, nil }
	mustPanic("empty kind", func() { Register("", f) })
	mustPanic("nil factory", func() { Register("x", nil) })
	Register("test-dup", f)
	mustPanic("duplicate", func() { Register("test-dup", f) })
}

func TestEntityGetSetMap(t *testing.T) {
	var e Entity
	e.Set("name", "a")
	e.Set("name", "b")
	e.Set("zip", nil)
	if v, ok := e.Get("name"); !ok || v != "b" {
		t.Fatalf("Get(name)=%v,%v", v, ok)
	}
	if len(e.Columns) != 2 {
		t.Fatalf("Columns=%v", e.Columns)
	}
	m := e.Map()
	if _, ok := m["zip"]; !ok {
		t.Fatalf("Map lost NULL column")
	}
}
