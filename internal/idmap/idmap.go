// Package idmap holds the per-run legacy id -> target UUID mapping of every
// loaded table. It is filled by the loader (and prewarmed from the target store)
// and read by the loader's FK resolution and the generic-reference resolver.
package idmap

import (
	"sync"

	"github.com/google/uuid"
)

// Map is safe for concurrent use.
type Map struct {
	mu     sync.RWMutex
	tables map[string]map[string]uuid.UUID
}

// New returns an empty map.
func New() *Map {
	return &Map{tables: make(map[string]map[string]uuid.UUID)}
}

// Put records id for legacyID in table, replacing any previous mapping.
func (m *Map) Put(table, legacyID string, id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[table]
	if t == nil {
		t = make(map[string]uuid.UUID)
		m.tables[table] = t
	}
	t[legacyID] = id
}

// Merge adds all mappings in ids to table.
func (m *Map) Merge(table string, ids map[string]uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[table]
	if t == nil {
		t = make(map[string]uuid.UUID, len(ids))
		m.tables[table] = t
	}
	for k, v := range ids {
		t[k] = v
	}
}

// Lookup returns the target id for legacyID in table.
func (m *Map) Lookup(table, legacyID string) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tables[table][legacyID]
	return id, ok
}

// Len returns the number of mappings for table.
func (m *Map) Len(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}

// Snapshot returns a copy of table's mappings.
func (m *Map) Snapshot(table string) map[string]uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uuid.UUID, len(m.tables[table]))
	for k, v := range m.tables[table] {
		out[k] = v
	}
	return out
}
