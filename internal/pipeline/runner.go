package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"flightetl/internal/config"
	"flightetl/internal/geocode"
	"flightetl/internal/loader"
	"flightetl/internal/parser/csv"
	"flightetl/internal/remainder"
	"flightetl/internal/source"
	"flightetl/internal/storage"
)

// Runner builds the orchestrators from a config.Pipeline and runs them.
type Runner struct {
	// storage-agnostic factory seam
	NewStore func(ctx context.Context, cfg storage.Config) (storage.Store, error)

	NewResolver func(cfg config.Geocode, log *zap.Logger) (geocode.Resolver, error)

	Logger *zap.Logger
}

func NewDefaultRunner(log *zap.Logger) *Runner {
	return &Runner{
		NewStore:    storage.Open,
		NewResolver: NewResolver,
		Logger:      log,
	}
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// prepare applies defaults, validates, and opens the store. The caller
// closes the store.
func (r *Runner) prepare(ctx context.Context, cfg config.Pipeline) (config.Pipeline, storage.Store, error) {
	cfg = cfg.WithDefaults()
	issues := config.Validate(cfg)
	for _, is := range issues {
		if is.Severity == config.SeverityWarning {
			r.logger().Warn("config", zap.String("path", is.Path), zap.String("issue", is.Message))
		}
	}
	if config.HasErrors(issues) {
		var errs []error
		for _, is := range issues {
			if is.Severity == config.SeverityError {
				errs = append(errs, errors.New(is.String()))
			}
		}
		return cfg, nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	store, err := r.NewStore(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		return cfg, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, store, nil
}

// Load runs one load as configured.
func (r *Runner) Load(ctx context.Context, cfg config.Pipeline) (Report, error) {
	cfg, store, err := r.prepare(ctx, cfg)
	if err != nil {
		return Report{}, err
	}
	defer store.Close()

	var resolver geocode.Resolver
	if r.NewResolver != nil {
		if resolver, err = r.NewResolver(cfg.Geocode, r.logger()); err != nil {
			return Report{}, err
		}
	}

	l := &Loader{
		Store:     store,
		Source:    SourceFor(cfg.Source),
		Artifacts: remainder.Dir{Root: cfg.Remainder.Dir},
		Resolver:  resolver,
		Logger:    r.logger(),
		Options: Options{
			Write:         WriteOptions(cfg),
			ReaderWorkers: cfg.Runtime.ReaderWorkers,
			BypassTables:  cfg.Load.BypassTables,
			StartID:       cfg.Load.StartID,
			EnsureTables:  true,
		},
	}
	return l.Run(ctx)
}

// Reconcile retries the configured remainder directory.
func (r *Runner) Reconcile(ctx context.Context, cfg config.Pipeline) (Report, error) {
	cfg, store, err := r.prepare(ctx, cfg)
	if err != nil {
		return Report{}, err
	}
	defer store.Close()

	rec := &Reconciler{
		Store:     store,
		Artifacts: remainder.Dir{Root: cfg.Remainder.Dir},
		Logger:    r.logger(),
		Write:     WriteOptions(cfg),
	}
	return rec.Run(ctx)
}

// Reindex rebuilds the indexes of tables, or of every table.
func (r *Runner) Reindex(ctx context.Context, cfg config.Pipeline, tables []string) error {
	_, store, err := r.prepare(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return Reindex(ctx, store, tables, r.logger())
}

// Purge deletes the fact rows inserted on day.
func (r *Runner) Purge(ctx context.Context, cfg config.Pipeline, day time.Time) (map[string]int64, error) {
	_, store, err := r.prepare(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return PurgeInsertionDay(ctx, store, day, r.logger())
}

// WriteOptions maps the load section onto the fact-table loader template.
func WriteOptions(cfg config.Pipeline) loader.Options {
	opts := loader.Options{
		Mode:         loader.ModeAppend,
		Chunks:       cfg.Load.Chunks,
		RowsPerChunk: cfg.Load.RowsPerChunk,
		MaxAttempts:  cfg.Load.MaxAttempts,
		Workers:      cfg.Runtime.LoaderWorkers,
	}
	if cfg.Load.ManageIndexes != nil {
		opts.ManageIndexes = *cfg.Load.ManageIndexes
	}
	if cfg.Load.BackoffInitial > 0 {
		opts.Backoff = loader.ExponentialBackoff(cfg.Load.BackoffInitial, cfg.Load.BackoffMax)
	}
	return opts
}

// SourceFor builds the batch provider for a source section.
func SourceFor(s config.Source) source.Provider {
	opt := csv.Options{HeaderMap: s.CSV.HeaderMap}
	if s.CSV.Comma != "" {
		opt.Comma, _ = utf8.DecodeRuneInString(s.CSV.Comma)
	}
	return source.Dir{Root: s.Dir, Patterns: s.Patterns, CSV: opt}
}

// NewResolver builds the configured resolver. Kind "none" yields nil, which
// leaves airport cities empty.
func NewResolver(cfg config.Geocode, log *zap.Logger) (geocode.Resolver, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "nominatim":
		n := cfg.Nominatim
		return geocode.NewMemo(geocode.NewNominatim(geocode.NominatimConfig{
			BaseURL:           n.BaseURL,
			UserAgent:         n.UserAgent,
			RequestsPerSecond: n.RequestsPerSecond,
			MaxRetries:        n.MaxRetries,
			Timeout:           n.Timeout,
			Language:          n.Language,
			BreakerFailures:   n.BreakerFailures,
			BreakerCooldown:   n.BreakerCooldown,
		}, log)), nil
	case "gazetteer":
		f, err := os.Open(cfg.Gazetteer.Path)
		if err != nil {
			return nil, fmt.Errorf("geocode: %w", err)
		}
		defer f.Close()
		places, err := geocode.ReadGazetteer(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.Gazetteer.Path, err)
		}
		return geocode.NewNearest(places, cfg.Gazetteer.MaxKm), nil
	default:
		return nil, fmt.Errorf("geocode: unknown kind %q", cfg.Kind)
	}
}
