package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"legacymigrate/internal/audit"
	"legacymigrate/internal/catalog"
	"legacymigrate/internal/config"
	"legacymigrate/internal/extract"
	"legacymigrate/internal/idmap"
	"legacymigrate/internal/logging"
	"legacymigrate/internal/probe"
	"legacymigrate/internal/retry"
	"legacymigrate/internal/schema"
	"legacymigrate/internal/source"
	"legacymigrate/internal/storage"
)

// Runner opens the connections a run needs and hands them to an Engine.
type Runner struct {
	// backend factory seams
	OpenSource func(ctx context.Context, cfg source.Config) (source.Conn, error)
	OpenTarget func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	Progress ProgressFunc
	Logger   *slog.Logger

	// Catalog defaults to catalog.Builtin().
	Catalog *catalog.Catalog

	// RunID names the next run. A new uuid when empty.
	RunID string
}

// NewDefaultRunner opens backends through the source and storage registries.
// Backends must be linked in (see the source/all and storage/all packages).
func NewDefaultRunner(log *slog.Logger) *Runner {
	return &Runner{
		OpenSource: source.Open,
		OpenTarget: storage.Open,
		Logger:     log,
	}
}

func (r *Runner) entityCatalog() *catalog.Catalog {
	if r.Catalog != nil {
		return r.Catalog
	}
	return catalog.Builtin()
}

/*
Run executes one migration described by cfg.

Configuration and connectivity are checked before any phase begins; failures
there are returned without a Summary. From then on the Summary is always
returned, and the integrity report is written to cfg.Report.Path when set,
even when the run aborted.

A target is opened only when cfg.Target.DSN is set. Without one the run must
be a dry run (config validation enforces it).
*/
func (r *Runner) Run(ctx context.Context, cfg config.Config) (Summary, error) {
	log := logging.OrDiscard(r.Logger)

	if err := checkConfig(cfg, log); err != nil {
		return Summary{}, err
	}

	src, err := r.openSource(ctx, cfg)
	if err != nil {
		return Summary{}, err
	}
	defer src.Close()

	var target storage.Repository
	if cfg.Target.DSN != "" {
		target, err = r.openTarget(ctx, cfg)
		if err != nil {
			return Summary{}, err
		}
		defer target.Close()
	}

	contracts, err := schema.LoadSet(cfg.Contracts.Dir)
	if err != nil {
		return Summary{}, fmt.Errorf("load contracts: %w", err)
	}

	runID := r.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log = log.With("run_id", runID)
	rc := &RunContext{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Config:    cfg,
		Catalog:   r.entityCatalog(),
		Contracts: contracts,
		Source:    src,
		Target:    target,
		Prober:    probe.New(src, probe.WithRetry(retry.FromConfig(cfg.Runtime)), probe.WithLogger(log)),
		IDs:       idmap.New(),
		RunLog:    audit.NewRunLog(runID),
		Log:       log,
	}

	log.Info("run starting", "stage", "run", "job", cfg.Job, "source", cfg.Source.Kind, "target", cfg.Target.Kind, "dry_run", cfg.Runtime.DryRun)
	sum, runErr := NewEngine(rc, r.Progress).Run(ctx)

	if cfg.Report.Path != "" {
		if err := audit.WriteReport(cfg.Report.Path, sum.Report); err != nil {
			log.Error("writing integrity report failed", "stage", "report", "path", cfg.Report.Path, "err", err)
		} else {
			log.Info("integrity report written", "stage", "report", "path", cfg.Report.Path, "status", sum.Report.Status)
		}
	}

	log.Info("run finished", "stage", "run",
		"aborted", sum.Aborted, "status", sum.Report.Status, "rejections", len(sum.Rejections),
		"elapsed", sum.FinishedAt.Sub(sum.StartedAt).String())
	return sum, runErr
}

// Probe reports which legacy tables and columns exist for every entity type.
func (r *Runner) Probe(ctx context.Context, cfg config.Config) (probe.Report, error) {
	log := logging.OrDiscard(r.Logger)
	src, err := r.openSource(ctx, cfg)
	if err != nil {
		return probe.Report{}, err
	}
	defer src.Close()

	p := probe.New(src, probe.WithRetry(retry.FromConfig(cfg.Runtime)), probe.WithLogger(log))
	return p.Capabilities(ctx, r.entityCatalog().Entities()), nil
}

/*
Audit re-runs the integrity checks of a finished run against the target.

runID selects the run log to report; empty selects the latest run. Expected
counts are taken from the source when cfg.Source.DSN is set; otherwise count
parity is skipped. Rejections are not persisted, so parity that a run reported
as WARNING is reported as FAIL here.

Errors:
  - no target DSN, or no run log for runID
  - connectivity failures
*/
func (r *Runner) Audit(ctx context.Context, cfg config.Config, runID string) (audit.IntegrityReport, error) {
	log := logging.OrDiscard(r.Logger)
	if cfg.Target.DSN == "" {
		return audit.IntegrityReport{}, fmt.Errorf("audit: target.dsn must be set")
	}
	target, err := r.openTarget(ctx, cfg)
	if err != nil {
		return audit.IntegrityReport{}, err
	}
	defer target.Close()

	recs, err := target.RunRecords(ctx, runID)
	if err != nil {
		return audit.IntegrityReport{}, fmt.Errorf("audit: read run log: %w", err)
	}
	if len(recs) == 0 {
		if runID == "" {
			return audit.IntegrityReport{}, fmt.Errorf("audit: no runs recorded in %s", storage.RunLogTable)
		}
		return audit.IntegrityReport{}, fmt.Errorf("audit: no run log for run %s", runID)
	}

	cat := r.entityCatalog()
	var expected map[string]int64
	if cfg.Source.DSN != "" {
		src, err := r.openSource(ctx, cfg)
		if err != nil {
			return audit.IntegrityReport{}, err
		}
		defer src.Close()

		policy := retry.FromConfig(cfg.Runtime)
		ex := extract.New(src, probe.New(src, probe.WithRetry(policy), probe.WithLogger(log)), extract.Options{Retry: policy, Logger: log})
		expected = map[string]int64{}
		for _, spec := range cat.Entities() {
			n, err := ex.CountRows(ctx, spec)
			if err != nil {
				log.Warn("source count failed", "stage", "audit", "entity", spec.Name, "err", err)
				continue
			}
			expected[spec.Name] = n
		}
	}

	runLog := audit.RestoreRunLog(recs[0].RunID, recs)
	return audit.New(target, cat, log).RunChecks(ctx, audit.Inputs{Expected: expected, RunLog: runLog}), nil
}

func (r *Runner) openSource(ctx context.Context, cfg config.Config) (source.Conn, error) {
	src, err := r.OpenSource(ctx, source.Config{Kind: cfg.Source.Kind, DSN: cfg.Source.DSN})
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.Runtime.Timeout())
	defer cancel()
	if err := src.Ping(pctx); err != nil {
		src.Close()
		return nil, fmt.Errorf("ping source: %w", err)
	}
	return src, nil
}

func (r *Runner) openTarget(ctx context.Context, cfg config.Config) (storage.Repository, error) {
	repo, err := r.OpenTarget(ctx, storage.Config{Kind: cfg.Target.Kind, DSN: cfg.Target.DSN})
	if err != nil {
		return nil, fmt.Errorf("open target: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.Runtime.Timeout())
	defer cancel()
	if err := repo.Ping(pctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("ping target: %w", err)
	}
	return repo, nil
}

func checkConfig(cfg config.Config, log *slog.Logger) error {
	var errs []string
	for _, iss := range config.Validate(cfg) {
		if iss.Severity == config.SeverityError {
			errs = append(errs, iss.Path+": "+iss.Message)
			continue
		}
		log.Warn("config warning", "stage", "config", "path", iss.Path, "msg", iss.Message)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
