// Package resolve turns a legacy (content type id, object id) pair into an
// explicit, typed reference.
//
// Resolution is a pure lookup: the content-type registry gives the logical
// name, the model part of that name selects the Kind, and the id map (read
// only) supplies the target UUID when the referenced row was already loaded.
// An unmapped type is a valid Unknown result, never an error.
package resolve

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/contenttype"
)

// Kind is the closed set of entity kinds a generic reference can point at.
type Kind int

const (
	Unknown Kind = iota
	Patient
	Office
	Order
	Project
	Message
)

func (k Kind) String() string {
	switch k {
	case Patient:
		return "patient"
	case Office:
		return "office"
	case Order:
		return "order"
	case Project:
		return "project"
	case Message:
		return "message"
	default:
		return "unknown"
	}
}

// EntityType returns the catalog entity type for k ("" for Unknown).
func (k Kind) EntityType() string {
	switch k {
	case Patient:
		return catalog.Patients
	case Office:
		return catalog.Offices
	case Order:
		return catalog.Orders
	case Project:
		return catalog.Projects
	case Message:
		return catalog.Messages
	default:
		return ""
	}
}

// models maps legacy model names (the part after the app label) to kinds.
// Historical renames share a kind: instructions became orders.
var models = map[string]Kind{
	"patient":     Patient,
	"office":      Office,
	"order":       Order,
	"instruction": Order,
	"project":     Project,
	"message":     Message,
	"comment":     Message,
}

// KindForLogicalName maps "app_label.model" (or a bare model) to a Kind.
func KindForLogicalName(name string) Kind {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return models[name]
}

// Reference is the resolved form of a generic association.
type Reference struct {
	Kind Kind

	TypeID      int64
	ObjectID    int64
	LogicalName string

	// TargetID is the target row's id when the referenced legacy row is mapped.
	TargetID *uuid.UUID
}

// Resolved reports whether the reference has a known kind.
func (r Reference) Resolved() bool { return r.Kind != Unknown }

// LegacyID returns the referenced legacy primary key as text.
func (r Reference) LegacyID() string { return strconv.FormatInt(r.ObjectID, 10) }

// IDLookup is the read-only view of the run's id map.
type IDLookup interface {
	Lookup(table, legacyID string) (uuid.UUID, bool)
}

// Resolver is safe for concurrent use as long as its registry and lookup are.
type Resolver struct {
	reg     *contenttype.Registry
	ids     IDLookup
	targets func(entityType string) string
}

// New returns a Resolver. ids may be nil, in which case TargetID is never set.
// cat maps entity types to target tables for the id lookup.
func New(reg *contenttype.Registry, ids IDLookup, cat *catalog.Catalog) *Resolver {
	if reg == nil {
		reg = contenttype.New(nil)
	}
	return &Resolver{reg: reg, ids: ids, targets: cat.TargetOf}
}

// Resolve maps (typeID, objectID) to a Reference. It never panics and has no
// side effects.
func (r *Resolver) Resolve(typeID, objectID int64) Reference {
	ref := Reference{TypeID: typeID, ObjectID: objectID}

	name, ok := r.reg.LogicalName(typeID)
	if !ok {
		return ref
	}
	ref.LogicalName = name
	ref.Kind = KindForLogicalName(name)
	if ref.Kind == Unknown || r.ids == nil {
		return ref
	}

	if id, ok := r.ids.Lookup(r.targets(ref.Kind.EntityType()), ref.LegacyID()); ok {
		ref.TargetID = &id
	}
	return ref
}
