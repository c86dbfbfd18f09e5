// Package pipeline runs whole loads: it turns pending source batches into
// persisted rows, retries leftover artifacts, and carries the maintenance
// operations (reindex, purge by insertion day).
//
// One load goes through these stages, each logged with a stage field:
//
//	ledger    read data_upload and list pending sources
//	read      read and normalize batches in parallel
//	ids       read the reference snapshot and allocate searchIds
//	merge     consolidate batches and reconcile reference tables
//	enrich    resolve missing airport cities
//	load      write every table through the resilient loader
//	remainder keep unpersisted rows as artifacts
//	ledger    record the attempted source paths
//
// Only one load per store may run at a time. Nothing here locks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flightetl/internal/geocode"
	"flightetl/internal/idalloc"
	"flightetl/internal/loader"
	"flightetl/internal/merge"
	"flightetl/internal/metrics"
	"flightetl/internal/normalize"
	"flightetl/internal/remainder"
	"flightetl/internal/schema"
	"flightetl/internal/source"
	"flightetl/internal/storage"
	"flightetl/internal/table"
)

// Artifacts is the remainder store. remainder.Dir implements it.
type Artifacts interface {
	Put(ctx context.Context, tableName string, at time.Time, t table.Table) (remainder.Key, error)
	List(ctx context.Context) ([]remainder.Key, error)
	Get(ctx context.Context, k remainder.Key) (table.Table, error)
	Delete(ctx context.Context, k remainder.Key) error
}

// Options tune one load.
type Options struct {
	// Write is the template for fact tables: chunking, retries, backoff and
	// index management. Reference tables and the ledger reuse its retry
	// settings as a single REPLACE/APPEND chunk.
	Write loader.Options

	// ReaderWorkers bounds parallel batch reads. If <= 0, 4.
	ReaderWorkers int

	// BypassTables are normalized and merged but not written.
	BypassTables []string

	// StartID overrides the persisted searchId seed.
	StartID *int64

	// EnsureTables creates missing tables and indexes before loading.
	EnsureTables bool
}

// Loader is the load orchestrator.
type Loader struct {
	Store     storage.Store
	Source    source.Provider
	Artifacts Artifacts

	// Resolver fills airport cities. Nil leaves them empty.
	Resolver geocode.Resolver

	Logger  *zap.Logger
	Options Options

	// now is a test seam for artifact timestamps.
	now func() time.Time
}

// TableReport is the outcome for one table.
type TableReport struct {
	Table     string
	Attempted int
	Persisted int
	Leftover  int
	Bypassed  bool

	// Artifact names the remainder artifact holding the leftover rows.
	Artifact string
}

type Report struct {
	Sources []string
	IDs     idalloc.Range
	Tables  []TableReport
}

// Leftover is the total number of rows not persisted.
func (r Report) Leftover() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Leftover
	}
	return n
}

// Clean reports whether every attempted row was persisted.
func (r Report) Clean() bool { return r.Leftover() == 0 }

// Table returns the report row for name.
func (r Report) Table(name string) (TableReport, bool) {
	for _, t := range r.Tables {
		if t.Table == name {
			return t, true
		}
	}
	return TableReport{}, false
}

func (l *Loader) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func (l *Loader) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// stage logs and records one finished stage.
func stage(log *zap.Logger, name string, start time.Time, err error, fields ...zap.Field) {
	d := durMS(start)
	metrics.RecordStep(name, err, d)
	fields = append([]zap.Field{zap.String("stage", name), zap.Duration("duration", d)}, fields...)
	if err != nil {
		log.Error("stage failed", append(fields, zap.Error(err))...)
		return
	}
	log.Info("stage ok", fields...)
}

// Run loads every pending source batch.
//
// Errors:
//   - Returns an error, before anything is written, if listing, reading,
//     normalizing, id allocation or merging fails.
//   - After writing starts, failed rows are not errors; they are reported and
//     kept as artifacts. An artifact or ledger write that itself fails is
//     returned, joined, after every table has been attempted.
func (l *Loader) Run(ctx context.Context) (Report, error) {
	if l.Store == nil || l.Source == nil || l.Artifacts == nil {
		return Report{}, errors.New("pipeline: Store, Source and Artifacts are required")
	}
	log := l.logger()
	runStart := time.Now()

	if l.Options.EnsureTables {
		start := time.Now()
		err := l.Store.EnsureTables(ctx, schema.All())
		stage(log, "ddl", start, err)
		if err != nil {
			return Report{}, fmt.Errorf("pipeline: ensure tables: %w", err)
		}
	}

	start := time.Now()
	pending, err := l.pending(ctx)
	stage(log, "ledger", start, err, zap.Int("pending", len(pending)))
	if err != nil {
		return Report{}, err
	}
	rep := Report{Sources: pending}
	if len(pending) == 0 {
		log.Info("nothing to load", zap.String("stage", "ledger"))
		return rep, nil
	}

	start = time.Now()
	sets, err := l.readAll(ctx, pending)
	stage(log, "read", start, err, zap.Int("batches", len(pending)))
	if err != nil {
		return rep, err
	}

	start = time.Now()
	snap, ids, err := l.allocate(ctx, sets)
	stage(log, "ids", start, err, zap.Stringer("range", ids))
	if err != nil {
		return rep, err
	}
	rep.IDs = ids

	start = time.Now()
	merged, err := merge.Merge(ctx, sets, ids, snap)
	stage(log, "merge", start, err, zap.Int("rows", merged.Rows()))
	if err != nil {
		return rep, fmt.Errorf("pipeline: %w", err)
	}

	if l.Resolver != nil {
		start = time.Now()
		airports, err := geocode.Enrich(ctx, merged[schema.Airport], l.Resolver)
		stage(log, "enrich", start, err, zap.Int("airports", merged[schema.Airport].Len()))
		if err != nil {
			return rep, fmt.Errorf("pipeline: %w", err)
		}
		merged[schema.Airport] = airports
	}

	at := l.clock()
	var errs []error
	for _, name := range schema.LoadOrder {
		tr, err := l.loadTable(ctx, log, name, merged[name], at)
		rep.Tables = append(rep.Tables, tr)
		if err != nil {
			errs = append(errs, err)
		}
	}

	ledger, err := ledgerTable(pending)
	if err == nil {
		var tr TableReport
		tr, err = l.loadTable(ctx, log, schema.DataUpload, ledger, at)
		rep.Tables = append(rep.Tables, tr)
	}
	if err != nil {
		errs = append(errs, err)
	}

	logReport(log, rep, durMS(runStart))
	return rep, errors.Join(errs...)
}

// pending lists sources and drops the paths recorded in data_upload.
func (l *Loader) pending(ctx context.Context) ([]string, error) {
	done, err := l.Store.ReadTable(ctx, schema.MustLookup(schema.DataUpload))
	if err != nil {
		return nil, fmt.Errorf("pipeline: read ledger: %w", err)
	}
	seen := make(map[string]struct{}, done.Len())
	if paths, ok := done.Column(schema.FilePath); ok {
		for _, p := range paths {
			seen[table.String(p)] = struct{}{}
		}
	}
	all, err := l.Source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list sources: %w", err)
	}
	return source.Pending(all, seen), nil
}

// readAll reads and normalizes batches in parallel. Results are indexed by
// input position so merge order follows path order.
func (l *Loader) readAll(ctx context.Context, paths []string) ([]normalize.Set, error) {
	workers := l.Options.ReaderWorkers
	if workers <= 0 {
		workers = 4
	}
	sets := make([]normalize.Set, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		g.Go(func() error {
			raw, err := l.Source.Read(gctx, p)
			if err != nil {
				return fmt.Errorf("pipeline: read %s: %w", p, err)
			}
			set, err := normalize.Normalize(raw)
			if err != nil {
				return fmt.Errorf("pipeline: normalize %s: %w", p, err)
			}
			sets[i] = set
			metrics.RecordRecords(schema.Search, raw.Len())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sets, nil
}

func (l *Loader) allocate(ctx context.Context, sets []normalize.Set) (merge.Snapshot, idalloc.Range, error) {
	snap, err := merge.ReadSnapshot(ctx, l.Store)
	if err != nil {
		return merge.Snapshot{}, idalloc.Range{}, fmt.Errorf("pipeline: %w", err)
	}

	var alloc *idalloc.Allocator
	if l.Options.StartID != nil {
		alloc = idalloc.StartingAt(*l.Options.StartID)
	} else {
		facts := make([]storage.TableSpec, 0, len(schema.FactTables))
		for _, n := range schema.FactTables {
			facts = append(facts, schema.MustLookup(n))
		}
		alloc = idalloc.New(l.Store, schema.SearchID, facts...)
	}

	n := 0
	for _, s := range sets {
		if t, ok := s[schema.Search]; ok {
			n += t.Len()
		}
	}
	ids, err := alloc.Allocate(ctx, n)
	if err != nil {
		return merge.Snapshot{}, idalloc.Range{}, fmt.Errorf("pipeline: %w", err)
	}
	return snap, ids, nil
}

// writeOptions derives the loader options for one table.
func writeOptions(base loader.Options, spec storage.TableSpec) loader.Options {
	opts := base
	switch spec.Kind {
	case storage.KindFact:
		opts.Mode = loader.ModeAppend
	case storage.KindDimension:
		opts.Mode = loader.ModeReplace
		opts.Chunks = 1
	default:
		opts.Mode = loader.ModeAppend
		opts.Chunks = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return opts
}

// loadTable writes one table and keeps its leftovers. The returned error is
// only about the artifact; write failures are in the report.
func (l *Loader) loadTable(ctx context.Context, log *zap.Logger, name string, t table.Table, at time.Time) (TableReport, error) {
	tr := TableReport{Table: name, Attempted: t.Len()}
	if slices.Contains(l.Options.BypassTables, name) {
		tr.Bypassed = true
		log.Info("table bypassed", zap.String("stage", "load"), zap.String("table", name), zap.Int("rows", t.Len()))
		return tr, nil
	}

	spec := schema.MustLookup(name)
	ld := loader.New(l.Store, log)
	res, err := ld.Load(ctx, t, spec, writeOptions(l.Options.Write, spec))
	if err != nil {
		// invalid options: nothing was written, everything is leftover
		log.Error("table not loaded", zap.String("stage", "load"), zap.String("table", name), zap.Error(err))
		res = loader.Result{Table: name, Attempted: t.Len(), Leftover: t}
	}
	tr.Persisted = res.Persisted
	tr.Leftover = res.Leftover.Len()

	if tr.Leftover == 0 {
		return tr, nil
	}
	start := time.Now()
	k, perr := l.Artifacts.Put(ctx, name, at, res.Leftover)
	stage(log, "remainder", start, perr, zap.String("table", name), zap.Int("rows", tr.Leftover))
	if perr != nil {
		return tr, fmt.Errorf("pipeline: keep %d leftover %s rows: %w", tr.Leftover, name, perr)
	}
	tr.Artifact = k.Name()
	return tr, nil
}

func ledgerTable(paths []string) (table.Table, error) {
	rows := make([][]any, len(paths))
	for i, p := range paths {
		rows[i] = []any{p}
	}
	return table.New(schema.DataUpload, []string{schema.FilePath}, rows)
}

func logReport(log *zap.Logger, rep Report, d time.Duration) {
	for _, t := range rep.Tables {
		log.Info("table report",
			zap.String("stage", "report"),
			zap.String("table", t.Table),
			zap.Int("attempted", t.Attempted),
			zap.Int("persisted", t.Persisted),
			zap.Int("leftover", t.Leftover),
			zap.Bool("bypassed", t.Bypassed),
			zap.String("artifact", t.Artifact),
		)
	}
	log.Info("load finished",
		zap.String("stage", "report"),
		zap.Int("sources", len(rep.Sources)),
		zap.Stringer("ids", rep.IDs),
		zap.Int("leftover", rep.Leftover()),
		zap.Bool("clean", rep.Clean()),
		zap.Duration("duration", d),
	)
}
