package transformer

import (
	"sort"
	"strconv"
	"time"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/storage"
)

// History columns written by Fold.
const (
	ColumnEnteredAt = "entered_at"
	ColumnExitedAt  = "exited_at"
)

type foldEvent struct {
	entity storage.Entity
	at     time.Time
	state  any
}

/*
Fold turns transformed state-log entities into history rows plus one
current-state patch per parent.

Events are grouped by the parent reference and ordered by timestamp. Equal
timestamps are ordered by source primary key: the higher key is later.

Each history row has its timestamp column renamed to entered_at and gains
exited_at, the next event's timestamp (NULL for the last event). The last
event of each parent becomes a Patch setting the parent's current state and
current-state-since columns.

Events without a parent legacy id are returned unchanged apart from the column
rename, after all grouped events, in input order. They get no patch.

spec must carry a Fold; otherwise events are returned as they are.
*/
func (t *Transformer) Fold(spec catalog.EntitySpec, events []storage.Entity) ([]storage.Entity, []storage.Patch) {
	fold := spec.Fold
	if fold == nil {
		return events, nil
	}

	groups := map[string][]foldEvent{}
	var orphans []storage.Entity
	for _, e := range events {
		renameColumn(&e, fold.AtField, ColumnEnteredAt)
		e.Set(ColumnExitedAt, nil)

		parent := refLegacyID(e, fold.ParentColumn)
		if parent == "" {
			orphans = append(orphans, e)
			continue
		}
		at, _ := e.Get(ColumnEnteredAt)
		ts, _ := at.(time.Time)
		state, _ := e.Get(fold.StateField)
		groups[parent] = append(groups[parent], foldEvent{entity: e, at: ts, state: state})
	}

	parents := make([]string, 0, len(groups))
	for p := range groups {
		parents = append(parents, p)
	}
	sort.Slice(parents, func(i, j int) bool { return keyLess(parents[i], parents[j]) })

	parentTable := t.cat.TargetOf(fold.Parent)
	out := make([]storage.Entity, 0, len(events))
	patches := make([]storage.Patch, 0, len(parents))
	for _, p := range parents {
		evs := groups[p]
		sort.SliceStable(evs, func(i, j int) bool {
			if !evs[i].at.Equal(evs[j].at) {
				return evs[i].at.Before(evs[j].at)
			}
			return keyLess(evs[i].entity.LegacyID, evs[j].entity.LegacyID)
		})
		for i := range evs {
			if i+1 < len(evs) {
				evs[i].entity.Set(ColumnExitedAt, evs[i+1].at)
			}
			out = append(out, evs[i].entity)
		}
		last := evs[len(evs)-1]
		patches = append(patches, storage.Patch{
			Table:    parentTable,
			LegacyID: p,
			Columns:  []string{fold.CurrentStateColumn, fold.CurrentSinceColumn},
			Values:   []any{last.state, last.at},
		})
	}
	return append(out, orphans...), patches
}

func renameColumn(e *storage.Entity, from, to string) {
	for i, c := range e.Columns {
		if c == from {
			e.Columns[i] = to
			return
		}
	}
}

func refLegacyID(e storage.Entity, column string) string {
	for _, r := range e.Refs {
		if r.Column == column {
			return r.LegacyID
		}
	}
	return ""
}

// keyLess orders legacy ids numerically when both are integers.
func keyLess(a, b string) bool {
	x, errA := strconv.ParseInt(a, 10, 64)
	y, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return x < y
	}
	return a < b
}
