// Package catalog declares the migrated entity types as data: which legacy tables
// feed them, how historical column names map onto canonical fields, which default
// fills a field the source schema lacks, and how entity types depend on each other.
//
// New source-schema variants are handled by adding an alias or a source table here,
// never by branching in the extractor or transformer.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Phase is an ordered stage of a migration run. Later phases may reference
// entities produced by earlier ones.
type Phase int

const (
	PhaseReference Phase = iota + 1
	PhaseParties
	PhaseCore
	PhaseDependent
	PhaseState
)

// Phases lists all phases in execution order.
var Phases = []Phase{PhaseReference, PhaseParties, PhaseCore, PhaseDependent, PhaseState}

func (p Phase) String() string {
	switch p {
	case PhaseReference:
		return "reference"
	case PhaseParties:
		return "parties"
	case PhaseCore:
		return "core"
	case PhaseDependent:
		return "dependent"
	case PhaseState:
		return "state"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Kind is the canonical value type of a field.
type Kind string

const (
	KindString    Kind = "string"
	KindText      Kind = "text" // free text; NFC-normalized, not trimmed to a single line
	KindEmail     Kind = "email"
	KindCode      Kind = "code" // trimmed, lower-cased enumeration value
	KindHTML      Kind = "html" // rendered to plain text
	KindInt       Kind = "int"
	KindFloat     Kind = "float"
	KindBool      Kind = "bool"
	KindTimestamp Kind = "timestamp"
	KindDate      Kind = "date"
	KindJSON      Kind = "json"
)

// DefaultKind selects how an absent or NULL field is filled.
type DefaultKind int

const (
	// DefaultNull leaves the field NULL.
	DefaultNull DefaultKind = iota
	// DefaultLiteral substitutes Default.Value.
	DefaultLiteral
	// DefaultRunStart substitutes the run's start timestamp.
	DefaultRunStart
)

// Default is a named fallback for a field.
type Default struct {
	Kind  DefaultKind
	Value any
}

// Literal returns a literal default.
func Literal(v any) Default { return Default{Kind: DefaultLiteral, Value: v} }

// RunStart is the "derived current timestamp" default.
var RunStart = Default{Kind: DefaultRunStart}

func (d Default) String() string {
	switch d.Kind {
	case DefaultLiteral:
		return fmt.Sprintf("%#v", d.Value)
	case DefaultRunStart:
		return "run_start"
	default:
		return "null"
	}
}

// Field maps one canonical target column to the legacy columns that may hold it.
type Field struct {
	// Name is the canonical (and target) column name. It is also tried first
	// against the source table.
	Name string

	// Aliases are historical source column names, tried in order after Name.
	Aliases []string

	Kind    Kind
	Default Default

	// Extra routes the value into extra_data instead of a target column.
	Extra bool
}

// Candidates returns the source column names to try, in priority order.
func (f Field) Candidates() []string {
	out := make([]string, 0, 1+len(f.Aliases))
	out = append(out, f.Name)
	out = append(out, f.Aliases...)
	return out
}

// ForeignKey is an explicit reference from one entity type to another, carried in
// the source as the referenced row's legacy primary key.
type ForeignKey struct {
	// Column is the canonical column; it holds the legacy id after extraction and
	// the target UUID after loading.
	Column  string
	Aliases []string

	// References is the referenced entity type name (e.g. "offices").
	References string

	// Required rejects the row at load time when the legacy id is NULL or has
	// no mapping.
	Required bool
}

// Candidates returns the source column names to try, in priority order.
func (fk ForeignKey) Candidates() []string {
	out := make([]string, 0, 1+len(fk.Aliases))
	out = append(out, fk.Column)
	out = append(out, fk.Aliases...)
	return out
}

// Generic describes a (content type id, object id) association and the explicit
// FK column each resolved target kind is written to.
type Generic struct {
	TypeColumn   string
	ObjectColumn string

	// Targets maps a referenced entity type name to its FK column on this entity.
	Targets map[string]string
}

// TargetColumns returns the generic FK columns in a stable order.
func (g Generic) TargetColumns() []string {
	out := make([]string, 0, len(g.Targets))
	for _, c := range g.Targets {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// StateFold configures derivation of a current-state pointer from an event log.
type StateFold struct {
	// Parent is the entity type whose rows receive the current-state patch.
	Parent string

	// ParentColumn is the FK column on the event pointing to the parent.
	ParentColumn string

	StateField string
	AtField    string

	// CurrentColumns are the parent's target columns for the folded state and
	// the time it was entered.
	CurrentStateColumn string
	CurrentSinceColumn string
}

// EntitySpec declares one migrated entity type.
type EntitySpec struct {
	Name  string
	Phase Phase

	// Sources are candidate legacy tables; the first that exists is read.
	Sources    []string
	PrimaryKey string

	// Target is the target table.
	Target string

	Fields      []Field
	ForeignKeys []ForeignKey
	Generic     *Generic
	Fold        *StateFold

	// DependsOn names entity types that must finish first. Dependencies in an
	// earlier phase are satisfied by phase ordering.
	DependsOn []string
}

// Field returns the field named name.
func (s EntitySpec) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Canonical is one column the extractor may select.
type Canonical struct {
	Name       string
	Candidates []string
}

// CanonicalColumns returns every column the extractor tries to select: primary
// key, fields, foreign keys and the generic pair, in that order.
func (s EntitySpec) CanonicalColumns() []Canonical {
	out := make([]Canonical, 0, 1+len(s.Fields)+len(s.ForeignKeys)+2)
	out = append(out, Canonical{Name: s.PrimaryKey, Candidates: []string{s.PrimaryKey}})
	for _, f := range s.Fields {
		out = append(out, Canonical{Name: f.Name, Candidates: f.Candidates()})
	}
	for _, fk := range s.ForeignKeys {
		out = append(out, Canonical{Name: fk.Column, Candidates: fk.Candidates()})
	}
	if s.Generic != nil {
		out = append(out,
			Canonical{Name: s.Generic.TypeColumn, Candidates: []string{s.Generic.TypeColumn}},
			Canonical{Name: s.Generic.ObjectColumn, Candidates: []string{s.Generic.ObjectColumn}},
		)
	}
	return out
}

// Selection is the outcome of matching one canonical column against a source table.
type Selection struct {
	Canonical string
	// Source is the matched source column; empty when nothing matched.
	Source string
}

// Matched reports whether a source column was found.
func (s Selection) Matched() bool { return s.Source != "" }

// Select evaluates each canonical column's candidates in order against has and
// returns one Selection per canonical column. Unmatched columns are reported with
// an empty Source so callers can apply the documented default.
func (s EntitySpec) Select(has func(column string) bool) []Selection {
	cols := s.CanonicalColumns()
	out := make([]Selection, 0, len(cols))
	for _, c := range cols {
		sel := Selection{Canonical: c.Name}
		for _, cand := range c.Candidates {
			if has(cand) {
				sel.Source = cand
				break
			}
		}
		out = append(out, sel)
	}
	return out
}

// Catalog is an ordered set of entity specs.
type Catalog struct {
	entities []EntitySpec
	byName   map[string]int
}

// New builds a catalog and checks its internal consistency.
//
// Errors:
//   - duplicate entity names or target tables
//   - empty Sources, PrimaryKey or Target
//   - DependsOn / References / Generic targets naming unknown entity types
//   - a dependency on an entity type in a later phase, or a cycle inside a phase
func New(entities []EntitySpec) (*Catalog, error) {
	c := &Catalog{entities: entities, byName: make(map[string]int, len(entities))}
	targets := map[string]string{}
	for i, e := range entities {
		if e.Name == "" {
			return nil, fmt.Errorf("catalog: entity %d has no name", i)
		}
		if _, dup := c.byName[e.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate entity %q", e.Name)
		}
		if len(e.Sources) == 0 || e.PrimaryKey == "" || e.Target == "" {
			return nil, fmt.Errorf("catalog: entity %q needs sources, primary key and target", e.Name)
		}
		if other, dup := targets[e.Target]; dup {
			return nil, fmt.Errorf("catalog: entities %q and %q share target table %q", other, e.Name, e.Target)
		}
		targets[e.Target] = e.Name
		c.byName[e.Name] = i
	}

	for _, e := range entities {
		refs := append([]string(nil), e.DependsOn...)
		for _, fk := range e.ForeignKeys {
			refs = append(refs, fk.References)
		}
		if e.Generic != nil {
			for t := range e.Generic.Targets {
				refs = append(refs, t)
			}
		}
		if e.Fold != nil {
			refs = append(refs, e.Fold.Parent)
		}
		for _, r := range refs {
			dep, ok := c.Get(r)
			if !ok {
				return nil, fmt.Errorf("catalog: entity %q references unknown entity %q", e.Name, r)
			}
			if dep.Phase > e.Phase {
				return nil, fmt.Errorf("catalog: entity %q (phase %s) depends on %q from later phase %s", e.Name, e.Phase, r, dep.Phase)
			}
		}
	}

	for _, p := range Phases {
		if _, err := c.Waves(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is New for package-level catalogs; it panics on an inconsistent catalog.
func MustNew(entities []EntitySpec) *Catalog {
	c, err := New(entities)
	if err != nil {
		panic(err)
	}
	return c
}

// Entities returns all specs in declaration order.
func (c *Catalog) Entities() []EntitySpec { return c.entities }

// Get returns the spec named name (case-insensitive).
func (c *Catalog) Get(name string) (EntitySpec, bool) {
	if i, ok := c.byName[name]; ok {
		return c.entities[i], true
	}
	for _, e := range c.entities {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return EntitySpec{}, false
}

// TargetOf returns the target table of entity type name.
func (c *Catalog) TargetOf(name string) string {
	if e, ok := c.Get(name); ok {
		return e.Target
	}
	return ""
}

// InPhase returns the specs of phase p in declaration order.
func (c *Catalog) InPhase(p Phase) []EntitySpec {
	var out []EntitySpec
	for _, e := range c.entities {
		if e.Phase == p {
			out = append(out, e)
		}
	}
	return out
}

// Waves groups the entity types of phase p so that every entity type appears
// after all of its same-phase dependencies. Entity types in one wave are
// independent and may run concurrently.
func (c *Catalog) Waves(p Phase) ([][]EntitySpec, error) {
	specs := c.InPhase(p)
	done := map[string]bool{}
	var waves [][]EntitySpec

	for len(done) < len(specs) {
		var wave []EntitySpec
		for _, s := range specs {
			if done[s.Name] {
				continue
			}
			ready := true
			for _, d := range c.samePhaseDeps(s) {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("catalog: dependency cycle in phase %s", p)
		}
		for _, s := range wave {
			done[s.Name] = true
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

func (c *Catalog) samePhaseDeps(s EntitySpec) []string {
	var out []string
	add := func(name string) {
		if name == s.Name {
			return
		}
		if d, ok := c.Get(name); ok && d.Phase == s.Phase {
			out = append(out, d.Name)
		}
	}
	for _, d := range s.DependsOn {
		add(d)
	}
	for _, fk := range s.ForeignKeys {
		add(fk.References)
	}
	if s.Generic != nil {
		for t := range s.Generic.Targets {
			add(t)
		}
	}
	return out
}

// Dependents returns the names of entity types that depend on name, directly
// or transitively.
func (c *Catalog) Dependents(name string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		for _, e := range c.entities {
			if seen[e.Name] || e.Name == n {
				continue
			}
			if dependsOn(e, n) {
				seen[e.Name] = true
				walk(e.Name)
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func dependsOn(e EntitySpec, name string) bool {
	for _, d := range e.DependsOn {
		if d == name {
			return true
		}
	}
	for _, fk := range e.ForeignKeys {
		if fk.References == name && fk.Required {
			return true
		}
	}
	return e.Fold != nil && e.Fold.Parent == name
}

// Reference is a declared FK between two target tables, used by the orphan check.
type Reference struct {
	Table      string
	Column     string
	RefTable   string
	RefEntity  string
	FromEntity string
}

// References lists every explicit and generic FK column of every target table.
func (c *Catalog) References() []Reference {
	var out []Reference
	for _, e := range c.entities {
		for _, fk := range e.ForeignKeys {
			out = append(out, Reference{Table: e.Target, Column: fk.Column, RefTable: c.TargetOf(fk.References), RefEntity: fk.References, FromEntity: e.Name})
		}
		if e.Generic != nil {
			ents := make([]string, 0, len(e.Generic.Targets))
			for ent := range e.Generic.Targets {
				ents = append(ents, ent)
			}
			sort.Strings(ents)
			for _, ent := range ents {
				out = append(out, Reference{Table: e.Target, Column: e.Generic.Targets[ent], RefTable: c.TargetOf(ent), RefEntity: ent, FromEntity: e.Name})
			}
		}
	}
	return out
}
