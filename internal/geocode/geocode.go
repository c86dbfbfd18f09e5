// Package geocode resolves airport coordinates to city labels.
//
// Resolvers never fail a batch for an individual lookup: a coordinate that
// cannot be resolved yields a nil label. Errors are reserved for context
// cancellation and programmer errors.
package geocode

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/text/unicode/norm"

	"flightetl/internal/schema"
	"flightetl/internal/table"
)

type Coordinate struct {
	Lat float64
	Lon float64
}

func (c Coordinate) String() string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lon, 'f', -1, 64)
}

// Resolver maps coordinates to labels. The result has the same length and
// order as the input.
type Resolver interface {
	Resolve(ctx context.Context, coords []Coordinate) ([]*string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, coords []Coordinate) ([]*string, error)

func (f ResolverFunc) Resolve(ctx context.Context, coords []Coordinate) ([]*string, error) {
	return f(ctx, coords)
}

// label trims and NFC-normalizes a service label; empty means unresolved.
func label(s string) *string {
	s = norm.NFC.String(table.String(s))
	if s == "" {
		return nil
	}
	return &s
}

// Memo resolves each distinct coordinate once, within a call and across calls.
type Memo struct {
	inner Resolver

	mu    sync.Mutex
	cache map[Coordinate]*string
}

func NewMemo(inner Resolver) *Memo {
	return &Memo{inner: inner, cache: map[Coordinate]*string{}}
}

func (m *Memo) Resolve(ctx context.Context, coords []Coordinate) ([]*string, error) {
	m.mu.Lock()
	seen := map[Coordinate]struct{}{}
	var pending []Coordinate
	for _, c := range coords {
		if _, ok := m.cache[c]; ok {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		pending = append(pending, c)
	}
	m.mu.Unlock()

	if len(pending) > 0 {
		got, err := m.inner.Resolve(ctx, pending)
		if err != nil {
			return nil, err
		}
		if len(got) != len(pending) {
			return nil, fmt.Errorf("geocode: resolver returned %d labels for %d coordinates", len(got), len(pending))
		}
		m.mu.Lock()
		for i, c := range pending {
			m.cache[c] = got[i]
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*string, len(coords))
	for i, c := range coords {
		out[i] = m.cache[c]
	}
	return out, nil
}

// Enrich fills nil city cells of an airport table. Rows whose coordinates do
// not parse keep a nil city. The resolver is called once, with the distinct
// pending coordinates in first-seen order.
func Enrich(ctx context.Context, airport table.Table, r Resolver) (table.Table, error) {
	ci := airport.ColumnIndex(schema.AirportCity)
	lat := airport.ColumnIndex(schema.AirportLatitude)
	lon := airport.ColumnIndex(schema.AirportLongitude)
	if ci < 0 || lat < 0 || lon < 0 {
		return table.Table{}, fmt.Errorf("geocode: table %s lacks city/latitude/longitude columns", airport.Name)
	}

	out := airport.Clone()
	rowsAt := map[Coordinate][]int{}
	var pending []Coordinate
	for i, row := range out.Rows {
		if row[ci] != nil {
			continue
		}
		la, ok1 := table.Float(row[lat])
		lo, ok2 := table.Float(row[lon])
		if !ok1 || !ok2 {
			continue
		}
		c := Coordinate{Lat: la, Lon: lo}
		if _, ok := rowsAt[c]; !ok {
			pending = append(pending, c)
		}
		rowsAt[c] = append(rowsAt[c], i)
	}
	if len(pending) == 0 {
		return out, nil
	}

	labels, err := r.Resolve(ctx, pending)
	if err != nil {
		return table.Table{}, err
	}
	if len(labels) != len(pending) {
		return table.Table{}, fmt.Errorf("geocode: resolver returned %d labels for %d coordinates", len(labels), len(pending))
	}
	for i, c := range pending {
		if labels[i] == nil {
			continue
		}
		for _, ri := range rowsAt[c] {
			out.Rows[ri][ci] = *labels[i]
		}
	}
	return out, nil
}
