// Package validate runs compiled contracts over records and batches.
//
// Failures never abort a batch: a failing record is set aside as a Rejection
// carrying its issues, and per-field error counts are kept for the run report.
package validate

import (
	"sort"

	"legacymigrate/internal/schema"
)

// Severity of an Issue. Errors reject the record; warnings are reported only.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one field-level finding for one record.
type Issue struct {
	LegacyID string   `json:"legacy_id"`
	Field    string   `json:"field"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Rejection is a quarantined record with the issues that rejected it.
type Rejection struct {
	Entity   string       `json:"entity"`
	Stage    schema.Stage `json:"stage"`
	LegacyID string       `json:"legacy_id"`
	Issues   []Issue      `json:"issues"`
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Record checks one row and returns its issues (nil when valid). A nil
// contract accepts everything.
func Record(c *schema.Compiled, legacyID string, row map[string]any) []Issue {
	if c == nil {
		return nil
	}
	errs := c.Check(row)
	if len(errs) == 0 {
		return nil
	}
	out := make([]Issue, 0, len(errs))
	for _, e := range errs {
		out = append(out, Issue{LegacyID: legacyID, Field: e.Field, Code: e.Code, Message: e.Message, Severity: SeverityError})
	}
	return out
}

// Result is the outcome of validating one batch.
type Result[T any] struct {
	Accepted    []T
	Rejected    []Rejection
	FieldErrors map[string]int
}

// Batch validates items in order. Accepted keeps the input order.
//
// key returns an item's legacy id; row returns its column map. Items with
// error-severity issues are rejected; everything else is accepted.
func Batch[T any](c *schema.Compiled, entity string, stage schema.Stage, items []T, key func(T) string, row func(T) map[string]any) Result[T] {
	res := Result[T]{Accepted: make([]T, 0, len(items)), FieldErrors: map[string]int{}}
	for _, it := range items {
		id := key(it)
		issues := Record(c, id, row(it))
		if !HasErrors(issues) {
			res.Accepted = append(res.Accepted, it)
			continue
		}
		for _, i := range issues {
			res.FieldErrors[i.Field]++
		}
		res.Rejected = append(res.Rejected, Rejection{Entity: entity, Stage: stage, LegacyID: id, Issues: issues})
	}
	return res
}

// FieldCounts is a per-entity accumulator of field error counts.
type FieldCounts map[string]int

// Add merges counts into f.
func (f FieldCounts) Add(counts map[string]int) {
	for k, v := range counts {
		f[k] += v
	}
}

// Top returns field names by descending count, ties by name.
func (f FieldCounts) Top() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if f[out[i]] == f[out[j]] {
			return out[i] < out[j]
		}
		return f[out[i]] > f[out[j]]
	})
	return out
}
