package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sample struct {
	name   string
	value  float64
	labels Labels
}

type recorder struct {
	mu       sync.Mutex
	counters []sample
	hists    []sample
	flushed  int
}

func (r *recorder) IncCounter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = append(r.counters, sample{name, delta, labels})
}

func (r *recorder) ObserveHistogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hists = append(r.hists, sample{name, value, labels})
}

func (r *recorder) Flush() error {
	r.flushed++
	return nil
}

func install(t *testing.T) *recorder {
	t.Helper()
	r := &recorder{}
	SetBackend(r)
	t.Cleanup(func() { SetBackend(nil) })
	return r
}

func TestDefaultBackendIsNop(t *testing.T) {
	SetBackend(nil)
	IncCounter("x", 1, nil)
	ObserveHistogram("x", 1, nil)
	require.NoError(t, Flush())
}

func TestRecordStep(t *testing.T) {
	r := install(t)

	RecordStep("load", nil, 1500*time.Millisecond)
	RecordStep("merge", errors.New("boom"), time.Second)

	require.Equal(t, []sample{
		{StepTotal, 1, Labels{"step": "load", "status": "ok"}},
		{StepTotal, 1, Labels{"step": "merge", "status": "error"}},
	}, r.counters)
	require.Equal(t, 1.5, r.hists[0].value)
}

func TestRecordCountersSkipEmpty(t *testing.T) {
	r := install(t)

	RecordRecords("search", 0)
	RecordRows("fare", "leftover", 0)
	RecordRows("fare", "persisted", 10)
	RecordChunkAttempt("fare", "error")

	require.Equal(t, []sample{
		{RowsTotal, 10, Labels{"table": "fare", "outcome": "persisted"}},
		{ChunkAttemptsTotal, 1, Labels{"table": "fare", "status": "error"}},
	}, r.counters)
}

func TestRecordHTTP(t *testing.T) {
	r := install(t)

	RecordHTTP(200, nil, time.Millisecond)
	RecordHTTP(503, nil, time.Millisecond)
	RecordHTTP(0, errors.New("dial tcp: refused"), time.Millisecond)

	require.Equal(t, []sample{
		{HTTPRequestsTotal, 1, Labels{"status": "200"}},
		{HTTPRequestsTotal, 1, Labels{"status": "503"}},
		{HTTPErrorsTotal, 1, Labels{"status": "503"}},
		{HTTPRequestsTotal, 1, Labels{"status": "error"}},
		{HTTPErrorsTotal, 1, Labels{"status": "error"}},
	}, r.counters)
	require.Len(t, r.hists, 3)

	require.NoError(t, Flush())
	require.Equal(t, 1, r.flushed)
}
