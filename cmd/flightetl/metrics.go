package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"flightetl/internal/config"
	"flightetl/internal/metrics"
	"flightetl/internal/metrics/datadog"
	"flightetl/internal/metrics/prompush"
)

// setupMetrics installs the metrics backend. Backend choice: flag, then
// METRICS_BACKEND, then config. A backend that fails to start leaves the nop
// backend in place. The returned func flushes and uninstalls it.
func setupMetrics(ctx context.Context, cfg config.Pipeline, flagBackend string, log *zap.Logger) func() {
	name := flagBackend
	if name == "" {
		name = os.Getenv("METRICS_BACKEND")
	}
	if name == "" {
		name = cfg.Metrics.Backend
	}
	log = log.With(zap.String("stage", "metrics"), zap.String("backend", name))

	switch name {
	case "pushgateway":
		url := cfg.Metrics.PushgatewayURL
		if env := os.Getenv("PUSHGATEWAY_URL"); env != "" {
			url = env
		}
		if url == "" {
			url = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(cfg.Job, url)
		if err != nil {
			log.Warn("metrics backend init failed; using nop", zap.Error(err))
			return func() {}
		}
		log.Info("metrics enabled", zap.String("url", url))
		metrics.SetBackend(b)
		return func() {
			if err := metrics.Flush(); err != nil {
				log.Warn("metrics flush failed", zap.Error(err))
			}
			metrics.SetBackend(nil)
		}

	case "datadog":
		tags := append(append([]string(nil), cfg.Metrics.Tags...), datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    cfg.Job,
			Tags:       tags,
			FlushEvery: cfg.Metrics.FlushEvery,
		})
		if err != nil {
			log.Warn("metrics backend init failed; using nop", zap.Error(err))
			return func() {}
		}
		log.Info("metrics enabled", zap.Strings("tags", tags))
		metrics.SetBackend(b)
		return func() {
			// Close stops the flush loop and submits what is buffered.
			if err := b.Close(); err != nil {
				log.Warn("metrics close failed", zap.Error(err))
			}
			metrics.SetBackend(nil)
		}

	case "", "none":
		log.Debug("metrics disabled")
		return func() {}

	default:
		log.Warn("unknown metrics backend; metrics disabled")
		return func() {}
	}
}
