// Package idalloc hands out contiguous searchId ranges for one load.
//
// The next id is one past the largest searchId persisted in the fact tables
// (0 on an empty store), read once. There is no cross-process reservation: two
// loads running against the same store at the same time can be handed
// overlapping ranges. Run one load per store at a time.
package idalloc

import (
	"context"
	"errors"
	"fmt"

	"flightetl/internal/storage"
)

// ErrNegativeCount is returned by Allocate for count < 0.
var ErrNegativeCount = errors.New("idalloc: negative count")

// Range is the half-open interval [Start, End).
type Range struct {
	Start int64
	End   int64
}

func (r Range) Len() int { return int(r.End - r.Start) }

// At returns the i-th id of the range.
func (r Range) At(i int) int64 { return r.Start + int64(i) }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// MaxReader is the slice of storage.Store the allocator needs.
type MaxReader interface {
	MaxValue(ctx context.Context, spec storage.TableSpec, column string) (int64, bool, error)
}

type Allocator struct {
	src    MaxReader
	tables []storage.TableSpec
	column string

	seeded bool
	next   int64
}

// New returns an allocator that seeds itself from the maximum of column over
// tables on first use.
func New(src MaxReader, column string, tables ...storage.TableSpec) *Allocator {
	return &Allocator{src: src, tables: tables, column: column}
}

// StartingAt returns an allocator that never reads the store. Used for
// backfills and tests.
func StartingAt(next int64) *Allocator {
	return &Allocator{seeded: true, next: next}
}

// Seed reads the persisted maximum. Calling it again is a no-op.
func (a *Allocator) Seed(ctx context.Context) error {
	if a.seeded {
		return nil
	}
	next := int64(0)
	for _, t := range a.tables {
		max, ok, err := a.src.MaxValue(ctx, t, a.column)
		if err != nil {
			return fmt.Errorf("idalloc: read max %s.%s: %w", t.Name, a.column, err)
		}
		if ok && max+1 > next {
			next = max + 1
		}
	}
	a.next = next
	a.seeded = true
	return nil
}

// Next reports the first id the next Allocate call would return.
func (a *Allocator) Next(ctx context.Context) (int64, error) {
	if err := a.Seed(ctx); err != nil {
		return 0, err
	}
	return a.next, nil
}

// Allocate returns [next, next+count) and advances next past it.
func (a *Allocator) Allocate(ctx context.Context, count int) (Range, error) {
	if count < 0 {
		return Range{}, fmt.Errorf("%w: %d", ErrNegativeCount, count)
	}
	if err := a.Seed(ctx); err != nil {
		return Range{}, err
	}
	r := Range{Start: a.next, End: a.next + int64(count)}
	a.next = r.End
	return r, nil
}
