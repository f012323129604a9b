package extract

import (
	"fmt"
	"strconv"
	"strings"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/probe"
	"legacymigrate/internal/source"
)

// Query is one page query plus the canonical name of every selected column, in
// select-list order.
type Query struct {
	SQL     string
	Args    []any
	Columns []string
}

// BuildQuery builds the keyset page query for spec against the probed table.
//
// Columns that resolve to neither their canonical name nor an alias are left
// out; the transformer applies the field's default. The primary key is always
// selected first and drives pagination: after is the last key of the previous
// page (nil for the first page).
//
// BuildQuery is pure so it can be tested against a mocked capability set.
//
// Errors:
//   - the table is absent (callers check this first and return an empty cursor)
//   - the table lacks the primary key column
//   - limit <= 0
func BuildQuery(d source.Dialect, spec catalog.EntitySpec, cs probe.ColumnSet, after any, limit int) (Query, error) {
	if cs.Absent() {
		return Query{}, fmt.Errorf("extract %s: table %q is absent", spec.Name, cs.Table())
	}
	if limit <= 0 {
		return Query{}, fmt.Errorf("extract %s: limit must be > 0", spec.Name)
	}

	sels := spec.Select(cs.Has)
	if len(sels) == 0 || !sels[0].Matched() {
		return Query{}, fmt.Errorf("extract %s: table %q has no primary key column %q", spec.Name, cs.Table(), spec.PrimaryKey)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if d.UsesTop() {
		b.WriteString("TOP ")
		b.WriteString(strconv.Itoa(limit))
		b.WriteString(" ")
	}

	q := Query{}
	n := 0
	for _, s := range sels {
		if !s.Matched() {
			continue
		}
		if n > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Quote(s.Source))
		q.Columns = append(q.Columns, s.Canonical)
		n++
	}

	pk := d.Quote(sels[0].Source)
	b.WriteString(" FROM ")
	b.WriteString(d.Quote(cs.Table()))
	if after != nil {
		b.WriteString(" WHERE ")
		b.WriteString(pk)
		b.WriteString(" > ")
		b.WriteString(d.Placeholder(1))
		q.Args = append(q.Args, after)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(pk)
	if !d.UsesTop() {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(limit))
	}

	q.SQL = b.String()
	return q, nil
}

// CountQuery returns the row-count query for a present table.
func CountQuery(d source.Dialect, table string) string {
	return "SELECT COUNT(*) FROM " + d.Quote(table)
}
