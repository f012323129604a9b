package audit

import (
	"sync"
	"time"

	"legacymigrate/internal/storage"
)

// Run-log statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// RunLog is the in-memory run log of one migration run: one record per phase
// per entity type, created when the entity type starts and updated as its
// batches complete. Records are never removed.
//
// Safe for concurrent use by parallel entity workers.
type RunLog struct {
	runID string

	mu    sync.Mutex
	recs  []storage.RunRecord
	index map[string]int
}

// NewRunLog returns an empty log for runID.
func NewRunLog(runID string) *RunLog {
	return &RunLog{runID: runID, index: map[string]int{}}
}

// RunID returns the run's id.
func (l *RunLog) RunID() string { return l.runID }

func key(phase, entity string) string { return phase + "\x00" + entity }

// Start appends a running record for entity in phase. Starting an entity
// type twice keeps the first record.
func (l *RunLog) Start(phase, entity string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(phase, entity)
	if _, ok := l.index[k]; ok {
		return
	}
	l.index[k] = len(l.recs)
	l.recs = append(l.recs, storage.RunRecord{
		RunID:      l.runID,
		Phase:      phase,
		EntityType: entity,
		StartedAt:  at.UTC(),
		Status:     StatusRunning,
	})
}

// Add increments the counters of a started record. Unknown records are ignored.
func (l *RunLog) Add(phase, entity string, processed, succeeded, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[key(phase, entity)]
	if !ok {
		return
	}
	r := &l.recs[i]
	r.RecordsProcessed += processed
	r.RecordsSucceeded += succeeded
	r.RecordsFailed += failed
}

// Finish sets the final status and completion time.
func (l *RunLog) Finish(phase, entity, status string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[key(phase, entity)]
	if !ok {
		return
	}
	ts := at.UTC()
	l.recs[i].CompletedAt = &ts
	l.recs[i].Status = status
}

// Get returns the record for entity in phase.
func (l *RunLog) Get(phase, entity string) (storage.RunRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[key(phase, entity)]
	if !ok {
		return storage.RunRecord{}, false
	}
	return l.recs[i], true
}

// Records returns a copy of all records in start order.
func (l *RunLog) Records() []storage.RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]storage.RunRecord, len(l.recs))
	copy(out, l.recs)
	return out
}

// RestoreRunLog rebuilds a RunLog from persisted records, for auditing a
// finished run.
func RestoreRunLog(runID string, recs []storage.RunRecord) *RunLog {
	l := NewRunLog(runID)
	for _, r := range recs {
		l.index[key(r.Phase, r.EntityType)] = len(l.recs)
		l.recs = append(l.recs, r)
	}
	return l
}
