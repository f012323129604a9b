// Package contenttype loads the legacy polymorphic type table
// (django_content_type) into an immutable id -> logical name mapping.
package contenttype

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"legacymigrate/internal/logging"
	"legacymigrate/internal/source"
	"legacymigrate/pkg/records"
)

// Table is the legacy content-type table.
const Table = "django_content_type"

// Entry is one content type. The logical name is "app_label.model".
type Entry struct {
	ID       int64
	AppLabel string
	Model    string
}

// LogicalName returns "app_label.model", or just the model when the app label
// is empty.
func (e Entry) LogicalName() string {
	if e.AppLabel == "" {
		return e.Model
	}
	return e.AppLabel + "." + e.Model
}

// Registry is read-only after construction and safe for concurrent readers.
type Registry struct {
	byID map[int64]Entry
}

// New builds a registry from entries. Later duplicates of an id win.
func New(entries []Entry) *Registry {
	r := &Registry{byID: make(map[int64]Entry, len(entries))}
	for _, e := range entries {
		e.AppLabel = strings.ToLower(strings.TrimSpace(e.AppLabel))
		e.Model = strings.ToLower(strings.TrimSpace(e.Model))
		r.byID[e.ID] = e
	}
	return r
}

// Len returns the number of entries.
func (r *Registry) Len() int { return len(r.byID) }

// Entry returns the entry for id.
func (r *Registry) Entry(id int64) (Entry, bool) {
	e, ok := r.byID[id]
	return e, ok
}

// LogicalName returns the logical name for id. ok is false for an unknown id.
func (r *Registry) LogicalName(id int64) (string, bool) {
	e, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return e.LogicalName(), true
}

// Entries returns all entries ordered by id.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load reads the content-type table once.
//
// Edge cases:
//   - A missing table yields an empty registry and a warning; every generic
//     reference then resolves to Unknown.
//   - Rows whose id is not an integer are skipped with a warning.
//
// Errors:
//   - catalog or query failures (connectivity), wrapped.
func Load(ctx context.Context, conn source.Conn, log *slog.Logger) (*Registry, error) {
	log = logging.OrDiscard(log)

	_, exists, err := conn.TableColumns(ctx, Table)
	if err != nil {
		return nil, fmt.Errorf("content types: probe %s: %w", Table, err)
	}
	if !exists {
		log.Warn("content-type table absent; generic references will be unresolved", "stage", "content_types", "table", Table)
		return New(nil), nil
	}

	d := conn.Dialect()
	q := fmt.Sprintf("SELECT %s, %s, %s FROM %s ORDER BY %s",
		d.Quote("id"), d.Quote("app_label"), d.Quote("model"), d.Quote(Table), d.Quote("id"))

	rows, err := conn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("content types: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("content types: scan: %w", err)
		}
		id, err := records.AsInt64(vals[0])
		if err != nil {
			log.Warn("skipping content type with bad id", "stage", "content_types", "id", vals[0], "err", err)
			continue
		}
		app, _ := records.AsString(vals[1])
		model, _ := records.AsString(vals[2])
		entries = append(entries, Entry{ID: id, AppLabel: app, Model: model})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("content types: rows: %w", err)
	}

	reg := New(entries)
	log.Info("content types loaded", "stage", "content_types", "count", reg.Len())
	return reg, nil
}
