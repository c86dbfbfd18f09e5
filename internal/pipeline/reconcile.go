package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"flightetl/internal/loader"
	"flightetl/internal/merge"
	"flightetl/internal/remainder"
	"flightetl/internal/schema"
	"flightetl/internal/storage"
	"flightetl/internal/table"
)

// Reconciler retries leftover artifacts written by earlier loads.
type Reconciler struct {
	Store     storage.Store
	Artifacts Artifacts
	Logger    *zap.Logger

	// Write carries retry settings, as in Options.Write.
	Write loader.Options

	now func() time.Time
}

func (r *Reconciler) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Reconciler) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Run retries every artifact in name order. Reference artifacts are merged
// with the persisted table (artifact rows win) and written REPLACE; the others
// are appended. An artifact is deleted once nothing of it is left; otherwise
// it is replaced by one holding the new leftovers.
//
// Errors:
//   - Returns an error if the artifacts cannot be listed.
//   - Per-artifact failures (read, unknown table, persisted read, artifact
//     rewrite) are joined and returned after every artifact was tried.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	if r.Store == nil || r.Artifacts == nil {
		return Report{}, errors.New("pipeline: Store and Artifacts are required")
	}
	log := r.logger()
	runStart := time.Now()

	start := time.Now()
	keys, err := r.Artifacts.List(ctx)
	stage(log, "reconcile", start, err, zap.Int("artifacts", len(keys)))
	if err != nil {
		return Report{}, fmt.Errorf("pipeline: list artifacts: %w", err)
	}
	if len(keys) == 0 {
		log.Info("nothing to reconcile", zap.String("stage", "reconcile"))
		return Report{}, nil
	}

	var (
		rep  Report
		errs []error
	)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		tr, err := r.retry(ctx, log, k)
		if err != nil {
			log.Error("artifact not reconciled", zap.String("stage", "reconcile"), zap.String("artifact", k.Name()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		rep.Tables = append(rep.Tables, tr)
	}

	logReport(log, rep, durMS(runStart))
	return rep, errors.Join(errs...)
}

func (r *Reconciler) retry(ctx context.Context, log *zap.Logger, k remainder.Key) (TableReport, error) {
	spec, ok := schema.Lookup(k.Table)
	if !ok {
		return TableReport{}, fmt.Errorf("pipeline: artifact %s: unknown table %q", k.Name(), k.Table)
	}
	t, err := r.Artifacts.Get(ctx, k)
	if err != nil {
		return TableReport{}, fmt.Errorf("pipeline: read artifact %s: %w", k.Name(), err)
	}
	t, err = r.prepare(ctx, t.WithName(spec.Name), spec)
	if err != nil {
		return TableReport{}, err
	}

	res, err := loader.New(r.Store, log).Load(ctx, t, spec, writeOptions(r.Write, spec))
	if err != nil {
		return TableReport{}, fmt.Errorf("pipeline: artifact %s: %w", k.Name(), err)
	}
	tr := TableReport{
		Table:     spec.Name,
		Attempted: res.Attempted,
		Persisted: res.Persisted,
		Leftover:  res.Leftover.Len(),
	}

	if tr.Leftover > 0 {
		nk, err := r.Artifacts.Put(ctx, spec.Name, r.clock(), res.Leftover)
		if err != nil {
			return tr, fmt.Errorf("pipeline: rewrite artifact %s: %w", k.Name(), err)
		}
		tr.Artifact = nk.Name()
		if nk.Name() == k.Name() {
			return tr, nil
		}
	}
	if err := r.Artifacts.Delete(ctx, k); err != nil {
		return tr, fmt.Errorf("pipeline: delete artifact %s: %w", k.Name(), err)
	}
	log.Info("artifact reconciled",
		zap.String("stage", "reconcile"),
		zap.String("artifact", k.Name()),
		zap.Int("persisted", tr.Persisted),
		zap.Int("leftover", tr.Leftover),
	)
	return tr, nil
}

// prepare turns an artifact into the rows to write for spec.
// Reference rows are merged with the persisted table; ledger rows already
// recorded are dropped so the unique key does not reject the retry.
func (r *Reconciler) prepare(ctx context.Context, t table.Table, spec storage.TableSpec) (table.Table, error) {
	if spec.Kind == storage.KindFact {
		return t, nil
	}
	persisted, err := r.Store.ReadTable(ctx, spec)
	if err != nil {
		return table.Table{}, fmt.Errorf("pipeline: read %s: %w", spec.Name, err)
	}
	if spec.Kind == storage.KindDimension {
		return merge.Reconcile(t, persisted.WithName(spec.Name), spec)
	}

	done := map[string]struct{}{}
	if paths, ok := persisted.Column(schema.FilePath); ok {
		for _, p := range paths {
			done[table.String(p)] = struct{}{}
		}
	}
	fi := t.ColumnIndex(schema.FilePath)
	if fi < 0 {
		return table.Table{}, fmt.Errorf("pipeline: %s artifact lacks %s", spec.Name, schema.FilePath)
	}
	return t.Filter(func(row []any) bool {
		_, seen := done[table.String(row[fi])]
		return !seen
	}), nil
}
