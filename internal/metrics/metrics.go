// Package metrics is the process-wide metrics seam used by the ETL packages.
//
// Core code only calls the helpers in this package. A concrete backend
// (datadog, prompush) is installed once by the binary with SetBackend; until
// then every call goes to a nop backend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions. Backends decide which keys they keep.
type Labels map[string]string

// Backend receives counters and histogram samples.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names shared by every backend.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RecordsTotal        = "etl_records_total"
	ChunkAttemptsTotal  = "etl_chunk_attempts_total"
	RowsTotal           = "etl_rows_total"

	HTTPRequestsTotal          = "etl_http_requests_total"
	HTTPErrorsTotal            = "etl_http_errors_total"
	HTTPRequestDurationSeconds = "etl_http_request_duration_seconds"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. A nil b restores the nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush asks the installed backend to submit buffered samples.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one pipeline step and records its duration.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts n processed records of the given kind.
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordChunkAttempt counts one write attempt for a table chunk.
// status is "ok" or "error".
func RecordChunkAttempt(table, status string) {
	IncCounter(ChunkAttemptsTotal, 1, Labels{"table": table, "status": status})
}

// RecordRows counts rows per load outcome ("persisted" or "leftover").
func RecordRows(table, outcome string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RowsTotal, float64(n), Labels{"table": table, "outcome": outcome})
}

// RecordHTTP counts one outbound HTTP request. status 0 means no response.
func RecordHTTP(status int, err error, d time.Duration) {
	l := Labels{"status": httpStatus(status)}
	IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status >= 400 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	ObserveHistogram(HTTPRequestDurationSeconds, d.Seconds(), l)
}

func httpStatus(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
