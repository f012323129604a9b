// Package records defines the row shape produced by extraction.
package records

import (
	"strconv"

	"github.com/google/uuid"
)

// Record is one legacy row: an ordered mapping of canonical column name to raw
// driver value, tagged with the source table it was read from.
//
// Columns and Values are parallel slices. Order follows the extraction query,
// which in turn follows the entity's canonical column list, so two records of the
// same entity type from the same run always have the same column order.
//
// TypeID/ObjectID are set only for tables that carry a generic (content type +
// object id) association.
type Record struct {
	Table   string
	Columns []string
	Values  []any

	TypeID   *int64
	ObjectID *int64

	index map[string]int
}

// New builds a Record over columns. Values are copied by reference; callers must
// not reuse the values slice after handing it over.
func New(table string, columns []string, values []any) *Record {
	return &Record{Table: table, Columns: columns, Values: values}
}

// Get returns the value stored under column and whether the column was extracted.
//
// A column that was extracted but NULL in the source returns (nil, true); a column
// the extractor omitted because the source schema lacks it returns (nil, false).
func (r *Record) Get(column string) (any, bool) {
	if r == nil {
		return nil, false
	}
	if r.index == nil {
		r.index = make(map[string]int, len(r.Columns))
		for i, c := range r.Columns {
			r.index[c] = i
		}
	}
	i, ok := r.index[column]
	if !ok || i >= len(r.Values) {
		return nil, false
	}
	return r.Values[i], true
}

// Has reports whether column is present in the record.
func (r *Record) Has(column string) bool {
	_, ok := r.Get(column)
	return ok
}

// Set overwrites (or appends) a column value.
func (r *Record) Set(column string, v any) {
	if _, ok := r.Get(column); ok {
		r.Values[r.index[column]] = v
		return
	}
	r.Columns = append(r.Columns, column)
	r.Values = append(r.Values, v)
	r.index[column] = len(r.Columns) - 1
}

// Map returns a column -> value copy, used by the validator.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, len(r.Columns))
	for i, c := range r.Columns {
		if i < len(r.Values) {
			out[c] = r.Values[i]
		}
	}
	return out
}

// Key renders a source primary key value as the canonical legacy id string.
//
// Integer keys are the common case. A 16-byte array (pgx's uuid value) is
// rendered as a canonical uuid; everything else falls back to AsString.
func Key(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []byte:
		return string(t)
	case string:
		return t
	case [16]byte:
		return uuid.UUID(t).String()
	default:
		k, _ := AsString(v)
		return k
	}
}
