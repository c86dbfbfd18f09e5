// Package prompush implements a metrics.Backend that pushes to a Prometheus
// Pushgateway. A batch job has no scrape endpoint, so samples are collected in
// a private registry and pushed on Flush.
package prompush

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"flightetl/internal/metrics"
)

// Backend buffers into client_golang collectors and pushes the whole registry.
type Backend struct {
	pusher *push.Pusher

	counters map[string]*prometheus.CounterVec
	hists    map[string]*prometheus.HistogramVec
	labels   map[string][]string
}

type def struct {
	help   string
	labels []string
}

var counterDefs = map[string]def{
	metrics.StepTotal:          {"Pipeline steps by outcome.", []string{"step", "status"}},
	metrics.RecordsTotal:       {"Records processed by kind.", []string{"kind"}},
	metrics.ChunkAttemptsTotal: {"Chunk write attempts by table and outcome.", []string{"table", "status"}},
	metrics.RowsTotal:          {"Rows by table and load outcome.", []string{"table", "outcome"}},
	metrics.HTTPRequestsTotal:  {"Outbound HTTP requests by status.", []string{"status"}},
	metrics.HTTPErrorsTotal:    {"Failed outbound HTTP requests by status.", []string{"status"}},
}

var histDefs = map[string]def{
	metrics.StepDurationSeconds:        {"Pipeline step duration.", []string{"step", "status"}},
	metrics.HTTPRequestDurationSeconds: {"Outbound HTTP request duration.", []string{"status"}},
}

// NewBackend builds a backend pushing to gatewayURL under job name job.
func NewBackend(job, gatewayURL string) (*Backend, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, fmt.Errorf("prompush: empty gateway url")
	}
	if job == "" {
		job = "flightetl"
	}

	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	b := &Backend{
		pusher:   push.New(gatewayURL, job).Gatherer(reg),
		counters: make(map[string]*prometheus.CounterVec, len(counterDefs)),
		hists:    make(map[string]*prometheus.HistogramVec, len(histDefs)),
		labels:   make(map[string][]string, len(counterDefs)+len(histDefs)),
	}
	for name, d := range counterDefs {
		b.counters[name] = f.NewCounterVec(prometheus.CounterOpts{Name: name, Help: d.help}, d.labels)
		b.labels[name] = d.labels
	}
	for name, d := range histDefs {
		b.hists[name] = f.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: d.help, Buckets: prometheus.DefBuckets}, d.labels)
		b.labels[name] = d.labels
	}
	return b, nil
}

func (b *Backend) values(name string, l metrics.Labels) []string {
	keys := b.labels[name]
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = l[k]
		if out[i] == "" {
			out[i] = "unknown"
		}
	}
	return out
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	c, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	c.WithLabelValues(b.values(name, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	h, ok := b.hists[name]
	if !ok || value < 0 {
		return
	}
	h.WithLabelValues(b.values(name, labels)...).Observe(value)
}

// Flush replaces the job's metric group on the gateway with the registry's
// current state. Counters are cumulative for the process lifetime.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: %w", err)
	}
	return nil
}

var _ metrics.Backend = (*Backend)(nil)
