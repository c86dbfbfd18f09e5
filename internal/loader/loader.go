// Package loader writes one table into the store in partitions, retrying each
// partition a bounded number of times and handing back whatever could not be
// persisted instead of failing the load.
//
// Lifecycle of one Load call:
//
//  1. validate options and partition the table
//  2. drop the table's secondary indexes (when asked to)
//  3. write partitions: REPLACE writes partition 0 first, then appends the rest
//     in parallel; APPEND writes everything in parallel
//  4. recreate and rebuild the indexes
//
// A partition that exhausts its attempts becomes leftover rows in Result.
// Siblings are never cancelled because of it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flightetl/internal/metrics"
	"flightetl/internal/storage"
	"flightetl/internal/table"
)

// ErrInvalidOptions is wrapped by every option validation failure.
var ErrInvalidOptions = errors.New("loader: invalid options")

// Mode selects what happens to rows already in the table.
type Mode string

const (
	ModeReplace Mode = "replace"
	ModeAppend  Mode = "append"
)

// ParseMode accepts "replace" or "append".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeReplace, ModeAppend:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, s)
}

// DefaultRowsPerChunk is used when neither Chunks nor RowsPerChunk is set.
const DefaultRowsPerChunk = 100_000

// Options controls partitioning and retries.
type Options struct {
	Mode Mode

	// Chunks is the number of partitions. Zero derives it from RowsPerChunk.
	Chunks int

	// RowsPerChunk sizes partitions when Chunks is zero.
	// If <= 0, DefaultRowsPerChunk is used.
	RowsPerChunk int

	// MaxAttempts bounds writes per partition. Must be >= 1.
	MaxAttempts int

	// Workers bounds concurrent partition writes. If <= 0, one per partition.
	Workers int

	// ManageIndexes drops secondary indexes around the write.
	ManageIndexes bool

	// Backoff builds the delay policy between attempts of one partition.
	// Nil retries immediately.
	Backoff func() backoff.BackOff
}

func (o Options) validate() error {
	switch o.Mode {
	case ModeReplace, ModeAppend:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, o.Mode)
	}
	if o.Chunks < 0 {
		return fmt.Errorf("%w: chunks must be >= 0, got %d", ErrInvalidOptions, o.Chunks)
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidOptions, o.MaxAttempts)
	}
	return nil
}

// chunkCount resolves the partition count for n rows.
func (o Options) chunkCount(n int) int {
	if o.Chunks > 0 {
		return o.Chunks
	}
	per := o.RowsPerChunk
	if per <= 0 {
		per = DefaultRowsPerChunk
	}
	c := (n + per - 1) / per
	if c < 1 {
		c = 1
	}
	return c
}

// ExponentialBackoff returns a Backoff factory with the given first delay and cap.
func ExponentialBackoff(initial, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		return b
	}
}

// Result is the outcome of one Load. Partial failure is reported here, never
// as an error.
type Result struct {
	Table     string
	Attempted int
	Persisted int

	// Leftover holds the rows of every failed partition, in partition order.
	Leftover table.Table

	// Attempts[i] is the number of writes made for partition i. A partition
	// that was never tried (REPLACE after partition 0 failed) has 0.
	Attempts []int

	// FailedChunks lists failed partition indexes in ascending order.
	FailedChunks []int
}

// Writer is the part of storage.Store the loader needs.
type Writer interface {
	WriteRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any, mode storage.WriteMode) (int64, error)
	DropIndexes(ctx context.Context, spec storage.TableSpec) error
	CreateIndexes(ctx context.Context, spec storage.TableSpec) error
	Reindex(ctx context.Context, spec storage.TableSpec) error
}

// Loader writes tables through Store.
type Loader struct {
	Store  Writer
	Logger *zap.Logger

	// sleep is a test seam. Production waits on a timer or ctx.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Loader. A nil logger is replaced with a nop logger.
func New(store Writer, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{Store: store, Logger: log}
}

func (l *Loader) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// Load writes t into the table described by spec.
//
// Errors:
//   - Returns an error wrapping ErrInvalidOptions for bad options.
//   - Returns an error if t has no columns while holding rows.
//   - Write failures are never returned; they end up in Result.Leftover.
func (l *Loader) Load(ctx context.Context, t table.Table, spec storage.TableSpec, opts Options) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, err
	}
	if len(t.Columns) == 0 && t.Len() > 0 {
		return Result{}, fmt.Errorf("loader: table %s has rows but no columns", spec.Name)
	}
	log := l.logger().With(zap.String("table", spec.QualifiedName()), zap.String("mode", string(opts.Mode)))

	parts := t.Split(opts.chunkCount(t.Len()))
	res := Result{
		Table:     spec.Name,
		Attempted: t.Len(),
		Attempts:  make([]int, len(parts)),
	}
	failed := make([]bool, len(parts))

	start := time.Now()
	manage := opts.ManageIndexes && len(spec.Indexes) > 0
	if manage {
		ddlStart := time.Now()
		if err := l.Store.DropIndexes(ctx, spec); err != nil {
			log.Warn("drop indexes failed", zap.String("stage", "drop_indexes"), zap.Error(err))
		} else {
			log.Debug("indexes dropped", zap.String("stage", "drop_indexes"), zap.Duration("duration", durMS(ddlStart)))
		}
	}

	switch opts.Mode {
	case ModeReplace:
		res.Attempts[0], failed[0] = l.writeChunk(ctx, log, spec, parts[0], 0, storage.WriteReplace, opts)
		if failed[0] {
			for i := 1; i < len(parts); i++ {
				failed[i] = true
			}
			break
		}
		l.writeParallel(ctx, log, spec, parts, 1, opts, res.Attempts, failed)
	case ModeAppend:
		l.writeParallel(ctx, log, spec, parts, 0, opts, res.Attempts, failed)
	}

	if manage {
		ddlStart := time.Now()
		if err := l.Store.CreateIndexes(ctx, spec); err != nil {
			log.Warn("create indexes failed", zap.String("stage", "create_indexes"), zap.Error(err))
		}
		if err := l.Store.Reindex(ctx, spec); err != nil {
			log.Warn("reindex failed", zap.String("stage", "reindex"), zap.Error(err))
		} else {
			log.Debug("indexes rebuilt", zap.String("stage", "reindex"), zap.Duration("duration", durMS(ddlStart)))
		}
	}

	leftovers := make([]table.Table, 0)
	for i, p := range parts {
		if failed[i] {
			res.FailedChunks = append(res.FailedChunks, i)
			if p.Len() > 0 {
				leftovers = append(leftovers, p)
			}
			continue
		}
		res.Persisted += p.Len()
	}
	res.Leftover = table.Empty(t.Name, t.Columns)
	for _, p := range leftovers {
		res.Leftover.Rows = append(res.Leftover.Rows, p.Rows...)
	}

	metrics.RecordRows(spec.Name, "persisted", res.Persisted)
	metrics.RecordRows(spec.Name, "leftover", res.Leftover.Len())
	log.Info("table loaded",
		zap.String("stage", "load"),
		zap.Int("chunks", len(parts)),
		zap.Int("attempted", res.Attempted),
		zap.Int("persisted", res.Persisted),
		zap.Int("leftover", res.Leftover.Len()),
		zap.Ints("failed_chunks", res.FailedChunks),
		zap.Duration("duration", durMS(start)),
	)
	return res, nil
}

// writeParallel writes parts[from:] as APPEND with at most opts.Workers in flight.
// Results land in index-addressed slots, so no locking is needed.
func (l *Loader) writeParallel(ctx context.Context, log *zap.Logger, spec storage.TableSpec, parts []table.Table, from int, opts Options, attempts []int, failed []bool) {
	n := len(parts) - from
	if n <= 0 {
		return
	}
	workers := opts.Workers
	if workers <= 0 || workers > n {
		workers = n
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := from; i < len(parts); i++ {
		g.Go(func() error {
			attempts[i], failed[i] = l.writeChunk(ctx, log, spec, parts[i], i, storage.WriteAppend, opts)
			return nil
		})
	}
	_ = g.Wait()
}

// writeChunk makes up to opts.MaxAttempts all-or-nothing writes of one
// partition. Only the first failure is logged; later ones are counted.
func (l *Loader) writeChunk(ctx context.Context, log *zap.Logger, spec storage.TableSpec, part table.Table, idx int, mode storage.WriteMode, opts Options) (attempts int, failed bool) {
	var bo backoff.BackOff
	if opts.Backoff != nil {
		bo = opts.Backoff()
		bo.Reset()
	}
	sleep := l.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var firstErr error
	start := time.Now()
	for attempts < opts.MaxAttempts {
		attempts++
		_, err := l.Store.WriteRows(ctx, spec, part.Columns, part.Rows, mode)
		if err == nil {
			metrics.RecordChunkAttempt(spec.Name, "ok")
			log.Debug("chunk written",
				zap.String("stage", "write_chunk"),
				zap.Int("chunk", idx),
				zap.Int("rows", part.Len()),
				zap.Int("attempts", attempts),
				zap.Duration("duration", durMS(start)),
			)
			return attempts, false
		}
		metrics.RecordChunkAttempt(spec.Name, "error")
		if firstErr == nil {
			firstErr = err
			log.Warn("chunk write failed",
				zap.String("stage", "write_chunk"),
				zap.Int("chunk", idx),
				zap.Int("rows", part.Len()),
				zap.Int("max_attempts", opts.MaxAttempts),
				zap.Error(err),
			)
		}
		if attempts >= opts.MaxAttempts || ctx.Err() != nil {
			break
		}
		if bo != nil {
			d := bo.NextBackOff()
			if d == backoff.Stop {
				break
			}
			if err := sleep(ctx, d); err != nil {
				break
			}
		}
	}

	log.Error("chunk demoted to leftover",
		zap.String("stage", "write_chunk"),
		zap.Int("chunk", idx),
		zap.Int("rows", part.Len()),
		zap.Int("attempts", attempts),
		zap.Duration("duration", durMS(start)),
	)
	return attempts, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
