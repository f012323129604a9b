package storage

import (
	"time"

	"github.com/google/uuid"
)

// Ref is an unresolved foreign key: the referenced row's legacy id in the
// referenced entity's target table.
type Ref struct {
	Column   string
	Table    string
	LegacyID string

	// Required refs must resolve; an empty LegacyID on a required ref is a
	// row failure.
	Required bool

	// Resolved, when set, is used as the column value without a lookup.
	Resolved *uuid.UUID
}

// Entity is a transformed, target-shaped row whose FKs are still legacy ids.
//
// Columns/Values hold every plain column, including id, legacy_id, extra_data
// and the audit timestamps. Refs are resolved to ids by the loader and
// appended as columns.
type Entity struct {
	Table    string
	ID       uuid.UUID
	LegacyID string
	Columns  []string
	Values   []any
	Refs     []Ref
}

// Get returns the value of column.
func (e Entity) Get(column string) (any, bool) {
	for i, c := range e.Columns {
		if c == column {
			return e.Values[i], true
		}
	}
	return nil, false
}

// Set overwrites or appends column.
func (e *Entity) Set(column string, v any) {
	for i, c := range e.Columns {
		if c == column {
			e.Values[i] = v
			return
		}
	}
	e.Columns = append(e.Columns, column)
	e.Values = append(e.Values, v)
}

// Map returns the plain columns as a map, for validation.
func (e Entity) Map() map[string]any {
	out := make(map[string]any, len(e.Columns))
	for i, c := range e.Columns {
		out[c] = e.Values[i]
	}
	return out
}

// Row is a fully resolved row ready for UpsertBatch. Columns must include
// "id" and "legacy_id".
type Row struct {
	LegacyID string
	Columns  []string
	Values   []any
}

// Patch updates Columns of the existing row with LegacyID. It is how a fan-out
// entity (a state log) writes a denormalized value onto its parent.
type Patch struct {
	Table    string
	LegacyID string
	Columns  []string
	Values   []any
}

// BatchResult reports what one UpsertBatch did.
type BatchResult struct {
	Inserted int
	Updated  int
	Patched  int

	// IDs maps each written legacy id to its (possibly pre-existing) id.
	IDs map[string]string

	// MissingPatches lists patch legacy ids that matched no row.
	MissingPatches []string
}

// ForeignKey names an FK column and the table it references (by id).
type ForeignKey struct {
	Table    string
	Column   string
	RefTable string
}

// RunRecord is one migration run-log row: one per phase per entity type.
type RunRecord struct {
	RunID            string     `json:"run_id"`
	Phase            string     `json:"phase"`
	EntityType       string     `json:"entity_type"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsSucceeded int        `json:"records_succeeded"`
	RecordsFailed    int        `json:"records_failed"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Status           string     `json:"status"`
}

// RunLogTable is the target table holding RunRecords.
const RunLogTable = "migration_run_log"
