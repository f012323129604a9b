package probe

import (
	"context"
	"fmt"
	"strings"

	"legacymigrate/internal/catalog"
)

// FieldCapability reports how one canonical column will be sourced.
type FieldCapability struct {
	Canonical string
	Source    string // matched source column; empty when defaulted
	Default   string
}

// EntityCapability is the probe outcome for one entity type.
type EntityCapability struct {
	Entity string
	Table  string
	Absent bool
	Err    error
	Fields []FieldCapability
}

// Degraded returns the canonical columns that will be defaulted.
func (e EntityCapability) Degraded() []string {
	var out []string
	for _, f := range e.Fields {
		if f.Source == "" {
			out = append(out, f.Canonical)
		}
	}
	return out
}

// Report is the capability-discovery result for a set of entity types.
type Report struct {
	Entities []EntityCapability
}

// Capabilities probes every entity's source tables and records, per canonical
// column, which source column (or default) will be used.
func (p *Prober) Capabilities(ctx context.Context, specs []catalog.EntitySpec) Report {
	var r Report
	for _, spec := range specs {
		cs := p.ProbeFirst(ctx, spec.Sources)
		ec := EntityCapability{Entity: spec.Name, Table: cs.Table(), Absent: cs.Absent(), Err: cs.Err()}
		if ec.Err != nil {
			r.Entities = append(r.Entities, ec)
			continue
		}
		for _, sel := range spec.Select(cs.Has) {
			fc := FieldCapability{Canonical: sel.Canonical, Source: sel.Source}
			if f, ok := spec.Field(sel.Canonical); ok && !sel.Matched() {
				fc.Default = f.Default.String()
			} else if !sel.Matched() {
				fc.Default = "null"
			}
			ec.Fields = append(ec.Fields, fc)
		}
		r.Entities = append(r.Entities, ec)
	}
	return r
}

// String renders the report as an aligned, tab-separated table.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "capability report:\tentities=%d\n", len(r.Entities))
	for _, e := range r.Entities {
		if e.Err != nil {
			fmt.Fprintf(&b, "%-20s\t%-24s\tPROBE FAILED: %v\n", e.Entity, e.Table, e.Err)
			continue
		}
		if e.Absent {
			fmt.Fprintf(&b, "%-20s\t%-24s\tABSENT (empty extraction)\n", e.Entity, e.Table)
			continue
		}
		fmt.Fprintf(&b, "%-20s\t%-24s\tdegraded=%d\n", e.Entity, e.Table, len(e.Degraded()))
		for _, f := range e.Fields {
			if f.Source != "" {
				fmt.Fprintf(&b, "  %-20s\t<- %s\n", f.Canonical, f.Source)
			} else {
				fmt.Fprintf(&b, "  %-20s\tdefault %s\n", f.Canonical, f.Default)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
