package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"legacymigrate/internal/audit"
	"legacymigrate/internal/catalog"
	"legacymigrate/internal/contenttype"
	"legacymigrate/internal/extract"
	"legacymigrate/internal/idmap"
	"legacymigrate/internal/loader"
	"legacymigrate/internal/logging"
	"legacymigrate/internal/metrics"
	"legacymigrate/internal/probe"
	"legacymigrate/internal/resolve"
	"legacymigrate/internal/retry"
	"legacymigrate/internal/schema"
	"legacymigrate/internal/storage"
	"legacymigrate/internal/transformer"
	"legacymigrate/internal/validate"
	"legacymigrate/pkg/records"
)

// ErrRequiredFailed aborts a run: a required entity type (or one that a
// required entity type cannot do without) failed.
var ErrRequiredFailed = errors.New("required entity type failed")

// Rejection stages beyond the two contract stages.
const (
	StageTransform schema.Stage = "transform"
	StageLoad      schema.Stage = "load"
)

// Entity statuses in the summary (same values as the run log).
const (
	StatusCompleted = audit.StatusCompleted
	StatusPartial   = audit.StatusPartial
	StatusFailed    = audit.StatusFailed
	StatusSkipped   = audit.StatusSkipped
)

// EntitySummary is the outcome of one entity type.
type EntitySummary struct {
	Entity     string `json:"entity"`
	Phase      string `json:"phase"`
	Required   bool   `json:"required"`
	Table      string `json:"source_table,omitempty"`
	Expected   int64  `json:"expected"`
	Extracted  int    `json:"extracted"`
	Rejected   int    `json:"rejected"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Failed     int    `json:"failed"`
	Patched    int    `json:"patched"`
	Unresolved int    `json:"unresolved"`
	Warnings   int    `json:"warnings"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Summary is returned by every run, including aborted ones.
type Summary struct {
	RunID      string                `json:"run_id"`
	DryRun     bool                  `json:"dry_run"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Aborted    bool                  `json:"aborted"`
	Entities   []EntitySummary       `json:"entities"`
	Rejections []validate.Rejection  `json:"rejections"`
	Report     audit.IntegrityReport `json:"report"`
}

// Entity returns the summary of entity type name.
func (s Summary) Entity(name string) (EntitySummary, bool) {
	for _, e := range s.Entities {
		if e.Entity == name {
			return e, true
		}
	}
	return EntitySummary{}, false
}

// Engine executes one run over a RunContext.
type Engine struct {
	rc       *RunContext
	progress ProgressFunc
	dryRun   bool

	extractor   *extract.Extractor
	transformer *transformer.Transformer
	loader      *loader.Loader

	mu          sync.Mutex
	summaries   map[string]*EntitySummary
	rejections  []validate.Rejection
	fieldErrors map[string]validate.FieldCounts
	expected    map[string]int64
	countErrors map[string]string
	failed      map[string]bool
	done        int
}

// NewEngine wires the run's components. progress may be nil.
//
// Unset RunContext fields get defaults: a new run id, the default catalog,
// an empty id map and run log, and a prober over rc.Source.
func NewEngine(rc *RunContext, progress ProgressFunc) *Engine {
	rc.Log = logging.OrDiscard(rc.Log)
	policy := retry.FromConfig(rc.Config.Runtime)
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	if rc.StartedAt.IsZero() {
		rc.StartedAt = time.Now().UTC()
	}
	if rc.Catalog == nil {
		rc.Catalog = catalog.Builtin()
	}
	if rc.IDs == nil {
		rc.IDs = idmap.New()
	}
	if rc.RunLog == nil {
		rc.RunLog = audit.NewRunLog(rc.RunID)
	}
	if rc.Prober == nil {
		rc.Prober = probe.New(rc.Source, probe.WithRetry(policy), probe.WithLogger(rc.Log))
	}
	e := &Engine{
		rc:          rc,
		progress:    progress,
		dryRun:      rc.Config.Runtime.DryRun,
		summaries:   map[string]*EntitySummary{},
		fieldErrors: map[string]validate.FieldCounts{},
		expected:    map[string]int64{},
		countErrors: map[string]string{},
		failed:      map[string]bool{},
	}
	e.extractor = extract.New(rc.Source, rc.Prober, extract.Options{
		PageSize: rc.Config.Runtime.BatchSize,
		Retry:    policy,
		Logger:   rc.Log,
	})
	if rc.Target != nil {
		e.loader = loader.New(rc.Target, rc.IDs, loader.Options{Retry: policy, Logger: rc.Log})
	}
	return e
}

/*
Run migrates every entity type of the catalog.

Order of work:
  - load the content-type registry (before any resolution)
  - count source rows per entity type (expected counts for parity)
  - prewarm the id map from the target store
  - run phases in order; inside a phase, run dependency waves in order and
    the entity types of a wave concurrently, at most parallel_workers at once
  - persist the run log and run the integrity checks

An entity type that fails (extraction error or a batch that failed after
retries) is recorded and the run continues, unless the entity type is
required: then the run stops after the current wave and Run returns an error
wrapping ErrRequiredFailed. Entity types whose required references point at a
failed entity type are skipped.

The Summary is complete in every case; its Report covers whatever was loaded.

Errors:
  - connectivity failures before the first phase (registry, prewarm)
  - ErrRequiredFailed
  - ctx cancellation
*/
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	rc := e.rc
	sum := Summary{RunID: rc.RunID, DryRun: e.dryRun, StartedAt: rc.StartedAt}

	if rc.Registry == nil {
		reg, err := contenttype.Load(ctx, rc.Source, rc.Log)
		if err != nil {
			return e.finish(ctx, sum), fmt.Errorf("load content types: %w", err)
		}
		rc.Registry = reg
	}
	e.transformer = transformer.New(rc.Catalog, resolve.New(rc.Registry, rc.IDs, rc.Catalog), transformer.Options{RunStart: rc.StartedAt})

	e.countExpected(ctx)

	if e.loader != nil {
		if err := e.loader.Prewarm(ctx, rc.Catalog.Entities()); err != nil {
			return e.finish(ctx, sum), err
		}
	}

	runErr := e.runPhases(ctx)
	sum.Aborted = runErr != nil
	return e.finish(ctx, sum), runErr
}

func (e *Engine) runPhases(ctx context.Context) error {
	workers := max(e.rc.Config.Runtime.ParallelWorkers, 1)

	for _, phase := range catalog.Phases {
		waves, err := e.rc.Catalog.Waves(phase)
		if err != nil {
			return err
		}
		for _, wave := range waves {
			// Siblings keep the parent ctx so a required failure lets the
			// rest of the wave finish.
			var g errgroup.Group
			g.SetLimit(workers)
			for _, spec := range wave {
				spec := spec
				g.Go(func() error { return e.runEntity(ctx, spec) })
			}
			if err := g.Wait(); err != nil {
				return err
			}
		}
		e.rc.Log.Info("phase complete", "stage", "phase", "phase", phase.String())
	}
	return ctx.Err()
}

func (e *Engine) countExpected(ctx context.Context) {
	for _, spec := range e.rc.Catalog.Entities() {
		n, err := e.extractor.CountRows(ctx, spec)
		if err != nil {
			e.rc.Log.Warn("source count failed", "stage", "count", "entity", spec.Name, "err", err)
			e.countErrors[spec.Name] = err.Error()
			continue
		}
		e.expected[spec.Name] = n
	}
}

// runEntity migrates one entity type. It returns an error only when the run
// must abort.
func (e *Engine) runEntity(ctx context.Context, spec catalog.EntitySpec) error {
	rc := e.rc
	started := time.Now()
	phase := spec.Phase.String()
	required := rc.Config.Runtime.IsRequired(spec.Name)

	s := &EntitySummary{Entity: spec.Name, Phase: phase, Required: required}
	e.mu.Lock()
	s.Expected = e.expected[spec.Name]
	e.summaries[spec.Name] = s
	blocked := e.blockedBy(spec)
	e.mu.Unlock()

	rc.RunLog.Start(phase, spec.Name, started)
	log := rc.Log.With("stage", "entity", "entity", spec.Name, "phase", phase)

	var err error
	if blocked != "" {
		err = fmt.Errorf("skipped: depends on failed entity type %s", blocked)
		s.Status = StatusSkipped
	} else {
		err = e.migrate(ctx, spec, s, log)
	}

	if err != nil {
		if s.Status == "" {
			s.Status = StatusFailed
		}
		s.Error = err.Error()
		log.Error("entity type failed", "required", required, "dependents", rc.Catalog.Dependents(spec.Name), "err", err)
	} else if s.Failed > 0 || s.Rejected > 0 {
		s.Status = StatusPartial
	} else {
		s.Status = StatusCompleted
	}

	rc.RunLog.Finish(phase, spec.Name, s.Status, time.Now())
	metrics.RecordStep("entity:"+spec.Name, s.Status, started)
	e.report(s)

	if err == nil {
		return nil
	}
	e.mu.Lock()
	e.failed[spec.Name] = true
	e.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if required {
		return fmt.Errorf("%w: %s: %v", ErrRequiredFailed, spec.Name, err)
	}
	return nil
}

// blockedBy returns a failed entity type that spec cannot do without: the
// target of a required reference or the parent of its state fold. Callers
// hold e.mu.
func (e *Engine) blockedBy(spec catalog.EntitySpec) string {
	for _, fk := range spec.ForeignKeys {
		if fk.Required && e.failed[fk.References] {
			return fk.References
		}
	}
	if spec.Fold != nil && e.failed[spec.Fold.Parent] {
		return spec.Fold.Parent
	}
	return ""
}

func (e *Engine) report(s *EntitySummary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done++
	if e.progress == nil {
		return
	}
	total := len(e.rc.Catalog.Entities())
	e.progress(Progress{
		Stage: s.Phase,
		Message: fmt.Sprintf("%s %s: %d extracted, %d inserted, %d updated, %d rejected, %d failed",
			s.Entity, s.Status, s.Extracted, s.Inserted, s.Updated, s.Rejected, s.Failed),
		Percentage: float64(e.done) / float64(total) * 100,
		Timestamp:  time.Now().UTC(),
	})
}

func (e *Engine) finish(ctx context.Context, sum Summary) Summary {
	rc := e.rc

	if e.loader != nil && !e.dryRun {
		// The run log is written even when the run was cancelled.
		if err := e.loader.SaveRunLog(context.WithoutCancel(ctx), rc.RunLog.Records()); err != nil {
			rc.Log.Error("saving run log failed", "stage", "audit", "err", err)
		}
	}

	e.mu.Lock()
	unresolved := map[string]int{}
	for _, spec := range rc.Catalog.Entities() {
		if s, ok := e.summaries[spec.Name]; ok {
			sum.Entities = append(sum.Entities, *s)
			unresolved[spec.Name] = s.Unresolved
		}
	}
	fieldErrors := make(map[string]map[string]int, len(e.fieldErrors))
	for k, v := range e.fieldErrors {
		fieldErrors[k] = v
	}
	rejections := append([]validate.Rejection(nil), e.rejections...)
	expected := make(map[string]int64, len(e.expected))
	for k, v := range e.expected {
		expected[k] = v
	}
	countErrors := make(map[string]string, len(e.countErrors))
	for k, v := range e.countErrors {
		countErrors[k] = v
	}
	e.mu.Unlock()

	sort.SliceStable(rejections, func(i, j int) bool { return rejections[i].Entity < rejections[j].Entity })
	sum.Rejections = rejections

	var reader audit.Reader
	if rc.Target != nil {
		reader = rc.Target
	}
	sum.Report = audit.New(reader, rc.Catalog, rc.Log).RunChecks(context.WithoutCancel(ctx), audit.Inputs{
		Expected:    expected,
		CountErrors: countErrors,
		Rejections:  rejections,
		FieldErrors: fieldErrors,
		Unresolved:  unresolved,
		RunLog:      rc.RunLog,
		DryRun:      e.dryRun,
	})
	sum.FinishedAt = time.Now().UTC()
	return sum
}

// reject quarantines records rejected by validation or the transformer.
func (e *Engine) reject(spec catalog.EntitySpec, s *EntitySummary, rs []validate.Rejection, fieldErrors map[string]int) {
	if len(rs) == 0 {
		return
	}
	s.Rejected += len(rs)
	metrics.RecordOutcome(spec.Name, "rejected", len(rs))
	e.quarantine(spec, rs, fieldErrors)
}

func (e *Engine) quarantine(spec catalog.EntitySpec, rs []validate.Rejection, fieldErrors map[string]int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejections = append(e.rejections, rs...)
	fc := e.fieldErrors[spec.Name]
	if fc == nil {
		fc = validate.FieldCounts{}
		e.fieldErrors[spec.Name] = fc
	}
	fc.Add(fieldErrors)
}

// recordKey is the legacy id of a raw record, for source-stage rejections.
func recordKey(spec catalog.EntitySpec) func(*records.Record) string {
	return func(r *records.Record) string {
		v, _ := r.Get(spec.PrimaryKey)
		return records.Key(v)
	}
}

func entityKey(e storage.Entity) string { return e.LegacyID }

func entityRow(e storage.Entity) map[string]any { return e.Map() }

func recordRow(r *records.Record) map[string]any { return r.Map() }

// migrate extracts, validates, transforms and loads one entity type batch by
// batch. State-log entity types are collected whole and folded before loading.
func (e *Engine) migrate(ctx context.Context, spec catalog.EntitySpec, s *EntitySummary, log *slog.Logger) error {
	cur, err := e.extractor.Extract(ctx, spec)
	if err != nil {
		return err
	}
	defer cur.Close()
	s.Table = cur.Table()

	size := max(e.rc.Config.Runtime.BatchSize, 1)
	batch := make([]*records.Record, 0, size)
	var events []storage.Entity

	flush := func() error {
		entities := e.prepare(spec, s, batch, spec.Fold == nil)
		batch = batch[:0]
		if spec.Fold != nil {
			events = append(events, entities...)
			return nil
		}
		return e.load(ctx, spec, s, entities, nil)
	}

	for cur.Next() {
		batch = append(batch, cur.Record())
		if len(batch) < size {
			continue
		}
		if err := flush(); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return err
		}
	}

	if spec.Fold != nil {
		return e.loadFolded(ctx, spec, s, events, size)
	}
	log.Debug("entity type extracted", "table", s.Table, "records", s.Extracted)
	return nil
}

// prepare runs source validation and the transformer over one batch and,
// when checkTarget is set, target validation. Rejected records are
// quarantined; the rest are returned in input order.
func (e *Engine) prepare(spec catalog.EntitySpec, s *EntitySummary, recs []*records.Record, checkTarget bool) []storage.Entity {
	s.Extracted += len(recs)

	src := validate.Batch(e.contract(schema.StageSource, spec.Name), spec.Name, schema.StageSource, recs, recordKey(spec), recordRow)
	e.reject(spec, s, src.Rejected, src.FieldErrors)

	entities := make([]storage.Entity, 0, len(src.Accepted))
	var rejected []validate.Rejection
	fieldErrors := map[string]int{}
	for _, rec := range src.Accepted {
		ent, issues, err := e.transformer.Transform(spec, rec)
		if err != nil {
			id := recordKey(spec)(rec)
			rejected = append(rejected, validate.Rejection{
				Entity: spec.Name, Stage: StageTransform, LegacyID: id,
				Issues: []validate.Issue{{LegacyID: id, Field: spec.PrimaryKey, Code: "legacy_id", Message: err.Error(), Severity: validate.SeverityError}},
			})
			fieldErrors[spec.PrimaryKey]++
			continue
		}
		if validate.HasErrors(issues) {
			for _, i := range issues {
				if i.Severity == validate.SeverityError {
					fieldErrors[i.Field]++
				}
			}
			rejected = append(rejected, validate.Rejection{Entity: spec.Name, Stage: StageTransform, LegacyID: ent.LegacyID, Issues: issues})
			continue
		}
		for _, i := range issues {
			s.Warnings++
			if i.Code == transformer.CodeUnresolved {
				s.Unresolved++
			}
		}
		entities = append(entities, ent)
	}
	e.reject(spec, s, rejected, fieldErrors)

	if checkTarget {
		entities = e.checkTarget(spec, s, entities)
	}

	quarantined := len(recs) - len(entities)
	e.rc.RunLog.Add(spec.Phase.String(), spec.Name, quarantined, 0, quarantined)
	return entities
}

func (e *Engine) checkTarget(spec catalog.EntitySpec, s *EntitySummary, entities []storage.Entity) []storage.Entity {
	res := validate.Batch(e.contract(schema.StageTarget, spec.Name), spec.Name, schema.StageTarget, entities, entityKey, entityRow)
	e.reject(spec, s, res.Rejected, res.FieldErrors)
	return res.Accepted
}

func (e *Engine) contract(stage schema.Stage, entity string) *schema.Compiled {
	if e.rc.Contracts == nil {
		return nil
	}
	c, _ := e.rc.Contracts.Get(stage, entity)
	return c
}

func (e *Engine) loadFolded(ctx context.Context, spec catalog.EntitySpec, s *EntitySummary, events []storage.Entity, size int) error {
	history, patches := e.transformer.Fold(spec, events)

	accepted := e.checkTarget(spec, s, history)
	if n := len(history) - len(accepted); n > 0 {
		e.rc.RunLog.Add(spec.Phase.String(), spec.Name, n, 0, n)
	}

	for start := 0; start < len(accepted); start += size {
		end := min(start+size, len(accepted))
		if err := e.load(ctx, spec, s, accepted[start:end], nil); err != nil {
			return err
		}
	}
	for start := 0; start < len(patches); start += size {
		end := min(start+size, len(patches))
		if err := e.load(ctx, spec, s, nil, patches[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// load writes one batch, or on a dry run only records the ids it would have
// written so later entity types resolve against them.
func (e *Engine) load(ctx context.Context, spec catalog.EntitySpec, s *EntitySummary, entities []storage.Entity, patches []storage.Patch) error {
	phase := spec.Phase.String()

	if e.dryRun || e.loader == nil {
		for _, ent := range entities {
			if _, ok := e.rc.IDs.Lookup(spec.Target, ent.LegacyID); !ok {
				e.rc.IDs.Put(spec.Target, ent.LegacyID, ent.ID)
			}
		}
		e.rc.RunLog.Add(phase, spec.Name, len(entities), len(entities), 0)
		return ctx.Err()
	}

	res, err := e.loader.LoadBatch(ctx, spec, entities, patches)
	s.Inserted += res.Inserted
	s.Updated += res.Updated
	s.Failed += res.Failed
	s.Patched += res.Patched
	s.Warnings += len(res.Warnings)
	e.rc.RunLog.Add(phase, spec.Name, len(entities), res.Succeeded(), res.Failed)

	for _, w := range res.Warnings {
		e.rc.Log.Debug("load warning", "stage", "load", "entity", spec.Name, "legacy_id", w.LegacyID, "column", w.Column, "msg", w.Message)
	}
	if err != nil {
		return err
	}

	if len(res.Failures) == 0 {
		return nil
	}
	rejected := make([]validate.Rejection, 0, len(res.Failures))
	fieldErrors := map[string]int{}
	for _, f := range res.Failures {
		rejected = append(rejected, validate.Rejection{
			Entity: spec.Name, Stage: StageLoad, LegacyID: f.LegacyID,
			Issues: []validate.Issue{{LegacyID: f.LegacyID, Field: f.Column, Code: "load", Message: f.Message, Severity: validate.SeverityError}},
		})
		if f.Column != "" {
			fieldErrors[f.Column]++
		}
	}
	// Already counted in s.Failed.
	e.quarantine(spec, rejected, fieldErrors)
	return nil
}
