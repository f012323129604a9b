// Package audit runs the post-load integrity checks and keeps the run log.
//
// Every finding is an advisory line item (PASS, WARNING or FAIL). The auditor
// never modifies the target and never fails the run: a check that cannot be
// executed is itself reported as a FAIL item.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"legacymigrate/internal/catalog"
	"legacymigrate/internal/logging"
	"legacymigrate/internal/storage"
	"legacymigrate/internal/validate"
)

// Status of a report line item.
type Status string

const (
	Pass    Status = "PASS"
	Warning Status = "WARNING"
	Fail    Status = "FAIL"
)

func (s Status) rank() int {
	switch s {
	case Fail:
		return 2
	case Warning:
		return 1
	default:
		return 0
	}
}

// Check names.
const (
	CheckOrphans    = "orphans"
	CheckDuplicates = "duplicate_legacy_ids"
	CheckCounts     = "count_parity"
	CheckRejections = "rejections"
	CheckUnresolved = "unresolved_references"
)

// Item is one report line.
type Item struct {
	Check    string `json:"check"`
	Subject  string `json:"subject"`
	Status   Status `json:"status"`
	Expected *int64 `json:"expected,omitempty"`
	Actual   int64  `json:"actual"`
	Message  string `json:"message,omitempty"`
}

// IntegrityReport is the hand-off artifact of a run.
type IntegrityReport struct {
	RunID       string                    `json:"run_id"`
	GeneratedAt time.Time                 `json:"generated_at"`
	DryRun      bool                      `json:"dry_run"`
	Status      Status                    `json:"status"`
	Items       []Item                    `json:"items"`
	RunLog      []storage.RunRecord       `json:"run_log"`
	Rejections  []validate.Rejection      `json:"rejections"`
	FieldErrors map[string]map[string]int `json:"field_errors,omitempty"`
}

// Count returns how many items have status s.
func (r IntegrityReport) Count(s Status) int {
	n := 0
	for _, it := range r.Items {
		if it.Status == s {
			n++
		}
	}
	return n
}

// Find returns the item for check and subject.
func (r IntegrityReport) Find(check, subject string) (Item, bool) {
	for _, it := range r.Items {
		if it.Check == check && it.Subject == subject {
			return it, true
		}
	}
	return Item{}, false
}

// Reader is the read-only part of the target store the checks need.
type Reader interface {
	CountRows(ctx context.Context, table string) (int64, error)
	CountOrphans(ctx context.Context, ref storage.ForeignKey) (int64, error)
	DuplicateLegacyIDs(ctx context.Context, table string) (int64, error)
}

// Inputs are the facts gathered during the run that the checks compare against.
type Inputs struct {
	// Expected holds source row counts per entity type, gathered before the run.
	Expected map[string]int64

	// CountErrors holds, per entity type, why the source could not be counted.
	// Such entity types get a FAIL parity item.
	CountErrors map[string]string

	// Rejections are quarantined records from both validation stages and the loader.
	Rejections []validate.Rejection

	// FieldErrors are per-entity, per-field validation error counts.
	FieldErrors map[string]map[string]int

	// Unresolved counts generic references left unresolved per entity type.
	Unresolved map[string]int

	RunLog *RunLog
	DryRun bool
}

// Auditor runs the checks. A nil Reader (dry run without a target) skips the
// store-backed checks.
type Auditor struct {
	repo Reader
	cat  *catalog.Catalog
	log  *slog.Logger
	now  func() time.Time
}

// New returns an Auditor over repo.
func New(repo Reader, cat *catalog.Catalog, log *slog.Logger) *Auditor {
	return &Auditor{repo: repo, cat: cat, log: logging.OrDiscard(log), now: time.Now}
}

/*
RunChecks executes, in order:
  - orphan detection for every explicit and generic FK column
  - duplicate legacy id detection per target table
  - count parity per entity type: loaded == expected is PASS,
    loaded + rejected == expected is WARNING, anything else FAIL; an
    entity type whose source could not be counted is FAIL
  - rejection aggregation per entity type (WARNING when any)
  - unresolved generic references per entity type (WARNING when any)

On a dry run nothing is loaded: store-backed checks are skipped and count
parity is reported as WARNING.
*/
func (a *Auditor) RunChecks(ctx context.Context, in Inputs) IntegrityReport {
	rep := IntegrityReport{
		GeneratedAt: a.now().UTC(),
		DryRun:      in.DryRun,
		Rejections:  in.Rejections,
		FieldErrors: in.FieldErrors,
	}
	if in.RunLog != nil {
		rep.RunID = in.RunLog.RunID()
		rep.RunLog = in.RunLog.Records()
	}
	if rep.Rejections == nil {
		rep.Rejections = []validate.Rejection{}
	}

	storeChecks := a.repo != nil && !in.DryRun
	if storeChecks {
		a.orphans(ctx, &rep)
		a.duplicates(ctx, &rep)
	}

	rejected := map[string]int64{}
	for _, r := range in.Rejections {
		rejected[r.Entity]++
	}

	for _, spec := range a.cat.Entities() {
		if msg, ok := in.CountErrors[spec.Name]; ok {
			rep.Items = append(rep.Items, Item{Check: CheckCounts, Subject: spec.Name, Status: Fail,
				Message: "source count failed: " + msg})
		} else if expected, ok := in.Expected[spec.Name]; ok {
			rep.Items = append(rep.Items, a.countParity(ctx, spec, expected, rejected[spec.Name], storeChecks))
		}

		if n := rejected[spec.Name]; n > 0 {
			rep.Items = append(rep.Items, Item{Check: CheckRejections, Subject: spec.Name, Status: Warning, Actual: n,
				Message: fmt.Sprintf("%d records quarantined", n)})
		} else {
			rep.Items = append(rep.Items, Item{Check: CheckRejections, Subject: spec.Name, Status: Pass})
		}

		if spec.Generic != nil {
			n := int64(in.Unresolved[spec.Name])
			st := Pass
			if n > 0 {
				st = Warning
			}
			rep.Items = append(rep.Items, Item{Check: CheckUnresolved, Subject: spec.Name, Status: st, Actual: n})
		}
	}

	rep.Status = Pass
	for _, it := range rep.Items {
		if it.Status.rank() > rep.Status.rank() {
			rep.Status = it.Status
		}
	}
	a.log.Info("integrity checks done", "stage", "audit", "status", rep.Status,
		"fail", rep.Count(Fail), "warning", rep.Count(Warning), "items", len(rep.Items))
	return rep
}

func (a *Auditor) orphans(ctx context.Context, rep *IntegrityReport) {
	for _, ref := range a.cat.References() {
		subject := ref.Table + "." + ref.Column
		n, err := a.repo.CountOrphans(ctx, storage.ForeignKey{Table: ref.Table, Column: ref.Column, RefTable: ref.RefTable})
		if err != nil {
			rep.Items = append(rep.Items, a.failed(CheckOrphans, subject, err))
			continue
		}
		it := Item{Check: CheckOrphans, Subject: subject, Status: Pass, Actual: n}
		if n > 0 {
			it.Status = Fail
			it.Message = fmt.Sprintf("%d rows reference missing %s rows", n, ref.RefTable)
		}
		rep.Items = append(rep.Items, it)
	}
}

func (a *Auditor) duplicates(ctx context.Context, rep *IntegrityReport) {
	tables := make([]string, 0, len(a.cat.Entities()))
	for _, e := range a.cat.Entities() {
		tables = append(tables, e.Target)
	}
	sort.Strings(tables)
	for _, t := range tables {
		n, err := a.repo.DuplicateLegacyIDs(ctx, t)
		if err != nil {
			rep.Items = append(rep.Items, a.failed(CheckDuplicates, t, err))
			continue
		}
		it := Item{Check: CheckDuplicates, Subject: t, Status: Pass, Actual: n}
		if n > 0 {
			it.Status = Fail
			it.Message = fmt.Sprintf("%d legacy ids appear more than once", n)
		}
		rep.Items = append(rep.Items, it)
	}
}

func (a *Auditor) countParity(ctx context.Context, spec catalog.EntitySpec, expected, rejected int64, storeChecks bool) Item {
	exp := expected
	it := Item{Check: CheckCounts, Subject: spec.Name, Expected: &exp}
	if !storeChecks {
		it.Status = Warning
		it.Message = "not loaded (dry run)"
		return it
	}

	loaded, err := a.repo.CountRows(ctx, spec.Target)
	if err != nil {
		return a.failed(CheckCounts, spec.Name, err)
	}
	it.Actual = loaded
	switch {
	case loaded == expected:
		it.Status = Pass
	case loaded+rejected == expected:
		it.Status = Warning
		it.Message = fmt.Sprintf("%d of %d loaded, %d rejected", loaded, expected, rejected)
	default:
		it.Status = Fail
		it.Message = fmt.Sprintf("%d of %d loaded, %d rejected, %d unaccounted", loaded, expected, rejected, expected-loaded-rejected)
	}
	return it
}

func (a *Auditor) failed(check, subject string, err error) Item {
	a.log.Error("integrity check failed", "stage", "audit", "check", check, "subject", subject, "err", err)
	return Item{Check: check, Subject: subject, Status: Fail, Message: "check failed: " + err.Error()}
}
