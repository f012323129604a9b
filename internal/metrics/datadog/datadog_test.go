package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"legacymigrate/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func quietOptions(fs *fakeSubmitter) Options {
	return Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestPairKeyRoundTrip(t *testing.T) {
	for _, tc := range [][2]string{{"load", "ok"}, {"", "ok"}, {"extract", ""}, {"", ""}} {
		a, b := splitPairKey(pairKey(tc[0], tc[1]))
		if a != tc[0] || b != tc[1] {
			t.Fatalf("round trip (%q,%q) -> (%q,%q)", tc[0], tc[1], a, b)
		}
	}
	if a, b := splitPairKey("no-separator"); a != "no-separator" || b != "unknown" {
		t.Fatalf("splitPairKey(no-separator)=(%q,%q)", a, b)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1}, {0.5, 6}, {0.9, 9}, {1, 10}, {-1, 1}, {2, 10},
	}
	for _, tt := range tests {
		if got := percentileNearestRank(s, tt.p); got != tt.want {
			t.Fatalf("p=%v got=%v want=%v", tt.p, got, tt.want)
		}
	}
	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Fatalf("empty got=%v", got)
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs)
	opts.JobName = ""
	opts.FlushEvery = 0
	opts.RunID = "run-1"
	opts.Tags = []string{"service:migrate"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	for _, want := range []string{"job:legacy-migration", "run_id:run-1", "service:migrate"} {
		if !contains(b.baseTags, want) {
			t.Fatalf("baseTags missing %s: %v", want, b.baseTags)
		}
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "load", "status": "ok"})
	b.IncCounter(metrics.RecordsTotal, 9, metrics.Labels{"entity": "orders", "outcome": "inserted"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"entity": "orders", "outcome": "rejected"})
	b.IncCounter(metrics.BatchesTotal, 2, metrics.Labels{"entity": "orders"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, metrics.Labels{"step": "load", "status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.stepCounts) != 0 || len(b.recordCounts) != 0 || len(b.batchCounts) != 0 || len(b.durationSamples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	var names []string
	var recordTags [][]string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
		if s.Metric == "migrate.records.total" {
			recordTags = append(recordTags, s.Tags)
		}
	}
	sort.Strings(names)

	for _, w := range []string{
		"migrate.batches.total",
		"migrate.records.total",
		"migrate.step.total",
		"migrate.step.duration_seconds.p50",
		"migrate.step.duration_seconds.samples",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}
	if len(recordTags) != 2 {
		t.Fatalf("records series=%d, want 2 (inserted, rejected)", len(recordTags))
	}
	if !contains(recordTags[0], "entity:orders") || !contains(recordTags[0], "outcome:inserted") {
		t.Fatalf("first record series tags=%v", recordTags[0])
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submissions=%d", fs.count())
	}
}

func TestFlush_WrapsSubmitError(t *testing.T) {
	boom := errors.New("boom")
	fs := &fakeSubmitter{err: boom}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { fs.err = nil; _ = b.Close() }()

	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"entity": "offices"})
	if err := b.Flush(); !errors.Is(err, boom) {
		t.Fatalf("Flush() err=%v, want wrapped boom", err)
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs)
	opts.FlushEvery = 5 * time.Millisecond
	opts.newTicker = nil

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected a background flush; got %d", fs.count())
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected final flush on Close; got %d submissions", fs.count())
	}
}

func TestIgnoresUnknownAndInvalidValues(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter("something_else", 1, nil)
	b.IncCounter(metrics.RecordsTotal, -1, metrics.Labels{"outcome": "inserted"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"entity": "orders"})
	b.ObserveHistogram(metrics.StepDurationSeconds, -0.1, nil)
	b.ObserveHistogram("other_histogram", 1, nil)

	s := b.snapshotAndReset()
	if !s.isEmpty() {
		t.Fatalf("snapshot not empty: %+v", s)
	}
}

func TestParseTagsCSV(t *testing.T) {
	got := ParseTagsCSV(" env:prod, ,service:migrate ")
	want := []string{"env:prod", "service:migrate"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseTagsCSV=%v want %v", got, want)
	}
	if ParseTagsCSV("") != nil {
		t.Fatalf("ParseTagsCSV(\"\") should be nil")
	}
	_ = os.Getenv
}
