package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"flightetl/internal/schema"
	"flightetl/internal/storage"
)

// Indexer is the slice of storage.Store Reindex needs.
type Indexer interface {
	Reindex(ctx context.Context, spec storage.TableSpec) error
}

// Reindex rebuilds the indexes of the named tables, or of every table when
// names is empty. It keeps going after a failure.
func Reindex(ctx context.Context, store Indexer, names []string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if len(names) == 0 {
		names = schema.AllTables
	}
	var errs []error
	for _, name := range names {
		spec, ok := schema.Lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("pipeline: reindex: unknown table %q", name))
			continue
		}
		start := time.Now()
		err := store.Reindex(ctx, spec)
		stage(log, "reindex", start, err, zap.String("table", spec.QualifiedName()))
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline: reindex %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Purger is the slice of storage.Store PurgeInsertionDay needs.
type Purger interface {
	DeleteInsertedOn(ctx context.Context, spec storage.TableSpec, day time.Time) (int64, error)
}

// PurgeInsertionDay deletes the fact rows inserted on day (UTC), children
// first. It stops at the first failure; counts holds the tables done so far.
func PurgeInsertionDay(ctx context.Context, store Purger, day time.Time, log *zap.Logger) (map[string]int64, error) {
	if log == nil {
		log = zap.NewNop()
	}
	y, m, d := day.UTC().Date()
	day = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	counts := make(map[string]int64, len(schema.PurgeOrder))
	for _, name := range schema.PurgeOrder {
		spec := schema.MustLookup(name)
		start := time.Now()
		n, err := store.DeleteInsertedOn(ctx, spec, day)
		stage(log, "purge", start, err, zap.String("table", spec.QualifiedName()), zap.String("day", day.Format(time.DateOnly)), zap.Int64("deleted", n))
		if err != nil {
			return counts, fmt.Errorf("pipeline: purge %s: %w", name, err)
		}
		counts[name] = n
	}
	return counts, nil
}
