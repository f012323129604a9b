// Package transformer maps legacy records onto target-shaped entities.
//
// Transform is pure: it performs no I/O and reads the run's id map only through
// the reference resolver. Field-level conversion problems are returned as
// issues so the caller can quarantine the record; only a record that cannot be
// identified at all is an error.
package transformer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/resolve"
	"legacymigrate/internal/storage"
	"legacymigrate/internal/validate"
	"legacymigrate/pkg/records"
)

// Issue codes emitted by the transformer.
const (
	CodeConvert    = "convert"
	CodeUnresolved = "unresolved_reference"
	CodeExtraData  = "extra_data"
)

// Audit columns present on every target table.
const (
	ColumnID         = "id"
	ColumnLegacyID   = "legacy_id"
	ColumnExtraData  = "extra_data"
	ColumnCreatedAt  = "created_at"
	ColumnUpdatedAt  = "updated_at"
	ColumnMigratedAt = "migrated_at"
	ColumnUnresolved = "reference_unresolved"
)

// ErrNoLegacyID is returned for a record whose primary key is NULL or missing.
var ErrNoLegacyID = errors.New("record has no primary key value")

// ReferenceResolver resolves generic (content type, object id) pairs.
type ReferenceResolver interface {
	Resolve(typeID, objectID int64) resolve.Reference
}

// Options configures a Transformer.
type Options struct {
	// RunStart fills RunStart defaults and migrated_at. Zero means now.
	RunStart time.Time

	// NewID generates primary ids. Defaults to uuid.New.
	NewID func() uuid.UUID
}

// Transformer is safe for concurrent use when its resolver is.
type Transformer struct {
	cat      *catalog.Catalog
	refs     ReferenceResolver
	runStart time.Time
	newID    func() uuid.UUID
}

// New returns a Transformer. refs may be nil, in which case every generic
// reference is unresolved.
func New(cat *catalog.Catalog, refs ReferenceResolver, opts Options) *Transformer {
	t := &Transformer{cat: cat, refs: refs, runStart: opts.RunStart.UTC(), newID: opts.NewID}
	if opts.RunStart.IsZero() {
		t.runStart = time.Now().UTC()
	}
	if t.newID == nil {
		t.newID = uuid.New
	}
	return t
}

// RunStart returns the timestamp used for RunStart defaults.
func (t *Transformer) RunStart() time.Time { return t.runStart }

/*
Transform maps rec onto spec's target table.

The entity's plain columns are, in order: id, legacy_id, every non-extra
field in catalog order, reference_unresolved (generic entities only),
extra_data, then whichever of created_at/updated_at the catalog does not
declare, and migrated_at. Two records of one entity type therefore always
produce the same column list.

Field rules:
  - An absent or NULL source value takes the field's declared default.
  - Present values are converted by kind; a conversion failure is an
    error-severity issue and leaves the column NULL.
  - Extra fields are written into extra_data (NULLs omitted) together with
    the source table and a source fingerprint.
  - updated_at defaults to the entity's created_at.

Foreign keys become Refs carrying the referenced legacy id. A generic pair that
resolves to a known kind becomes a required Ref on that kind's column; anything
else sets reference_unresolved, keeps the raw pair in extra_data and adds a
warning.

Errors:
  - ErrNoLegacyID when the primary key is NULL or was not extracted.
*/
func (t *Transformer) Transform(spec catalog.EntitySpec, rec *records.Record) (storage.Entity, []validate.Issue, error) {
	pk, _ := rec.Get(spec.PrimaryKey)
	legacyID := records.Key(pk)
	if legacyID == "" {
		return storage.Entity{}, nil, fmt.Errorf("%s: %w", spec.Name, ErrNoLegacyID)
	}

	var issues []validate.Issue
	addIssue := func(field, code string, sev validate.Severity, format string, args ...any) {
		issues = append(issues, validate.Issue{
			LegacyID: legacyID,
			Field:    field,
			Code:     code,
			Message:  fmt.Sprintf(format, args...),
			Severity: sev,
		})
	}

	id := t.newID()
	e := storage.Entity{Table: spec.Target, ID: id, LegacyID: legacyID}
	e.Set(ColumnID, id)
	e.Set(ColumnLegacyID, legacyID)

	extra := map[string]any{
		"legacy_table":       rec.Table,
		"source_fingerprint": Fingerprint(rec),
	}

	for _, f := range spec.Fields {
		raw, ok := rec.Get(f.Name)
		var v any
		if !ok || raw == nil {
			v = t.defaultFor(f)
		} else {
			cv, err := convert(f.Kind, raw)
			if err != nil {
				addIssue(f.Name, CodeConvert, validate.SeverityError, "cannot convert %v to %s: %v", raw, f.Kind, err)
			} else {
				v = cv
			}
			if f.Kind == catalog.KindHTML {
				if s, ok := raw.(string); ok && strings.ContainsRune(s, '<') {
					extra[f.Name+"_html"] = s
				}
			}
		}

		if f.Extra {
			if v != nil {
				extra[f.Name] = v
			}
			continue
		}
		e.Set(f.Name, v)
	}

	for _, fk := range spec.ForeignKeys {
		raw, _ := rec.Get(fk.Column)
		e.Refs = append(e.Refs, storage.Ref{
			Column:   fk.Column,
			Table:    t.cat.TargetOf(fk.References),
			LegacyID: records.Key(raw),
			Required: fk.Required,
		})
	}

	if spec.Generic != nil {
		ref, unresolved := t.generic(spec, rec)
		if unresolved != nil {
			extra["unresolved_reference"] = unresolved
			addIssue(spec.Generic.TypeColumn, CodeUnresolved, validate.SeverityWarning,
				"generic reference %v/%v is not mapped to a target kind", unresolved["content_type_id"], unresolved["object_id"])
		} else {
			e.Refs = append(e.Refs, ref)
		}
		e.Set(ColumnUnresolved, unresolved != nil)
	}

	b, err := json.Marshal(extra)
	if err != nil {
		addIssue(ColumnExtraData, CodeExtraData, validate.SeverityError, "encode extra_data: %v", err)
		b = []byte("{}")
	}
	e.Set(ColumnExtraData, string(b))

	if _, ok := spec.Field(ColumnCreatedAt); !ok {
		e.Set(ColumnCreatedAt, t.runStart)
	}
	if _, ok := spec.Field(ColumnUpdatedAt); !ok {
		created, _ := e.Get(ColumnCreatedAt)
		if created == nil {
			created = t.runStart
		}
		e.Set(ColumnUpdatedAt, created)
	}
	e.Set(ColumnMigratedAt, t.runStart)

	return e, issues, nil
}

func (t *Transformer) defaultFor(f catalog.Field) any {
	switch f.Default.Kind {
	case catalog.DefaultLiteral:
		return f.Default.Value
	case catalog.DefaultRunStart:
		return t.runStart
	default:
		return nil
	}
}

// generic resolves rec's generic pair. It returns either a Ref or, when the
// pair cannot be mapped, the raw pair for extra_data.
func (t *Transformer) generic(spec catalog.EntitySpec, rec *records.Record) (storage.Ref, map[string]any) {
	if rec.TypeID == nil || rec.ObjectID == nil {
		return storage.Ref{}, map[string]any{
			"content_type_id": ptrValue(rec.TypeID),
			"object_id":       ptrValue(rec.ObjectID),
		}
	}

	ref := resolve.Reference{TypeID: *rec.TypeID, ObjectID: *rec.ObjectID}
	if t.refs != nil {
		ref = t.refs.Resolve(*rec.TypeID, *rec.ObjectID)
	}
	entity := ref.Kind.EntityType()
	col, ok := spec.Generic.Targets[entity]
	if !ref.Resolved() || !ok {
		return storage.Ref{}, map[string]any{
			"content_type_id": ref.TypeID,
			"object_id":       ref.ObjectID,
			"logical_name":    ref.LogicalName,
		}
	}
	return storage.Ref{
		Column:   col,
		Table:    t.cat.TargetOf(entity),
		LegacyID: ref.LegacyID(),
		Required: true,
		Resolved: ref.TargetID,
	}, nil
}

func ptrValue(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
