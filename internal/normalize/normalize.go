// Package normalize turns one raw search batch into per-table partial tables.
//
// Fact tables keep the batch's row multiplicity and carry a batch-local
// searchId (0..len-1) that the merger later overwrites. Reference tables are
// stacked, exploded on the leg separator and deduplicated.
package normalize

import (
	"fmt"
	"sort"
	"strings"

	"flightetl/internal/schema"
	"flightetl/internal/table"
)

// Set maps a table name to its table.
type Set map[string]table.Table

// Names returns the table names in sorted order.
func (s Set) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Rows sums row counts over the set.
func (s Set) Rows() int {
	n := 0
	for _, t := range s {
		n += t.Len()
	}
	return n
}

// Normalize builds search, flight, fare, airport, airline and equipment tables
// from one raw batch.
//
// Errors:
//   - Returns an error naming every raw column the batch lacks. A batch with
//     zero rows and no columns yields empty tables.
func Normalize(batch table.Table) (Set, error) {
	if batch.Len() == 0 && len(batch.Columns) == 0 {
		return emptySet(), nil
	}

	var missing []string
	for _, c := range schema.RawColumns() {
		if batch.ColumnIndex(c) < 0 {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("normalize: batch %s: missing source columns %s", batch.Name, strings.Join(missing, ", "))
	}

	ids := make([]any, batch.Len())
	for i := range ids {
		ids[i] = int64(i)
	}
	raw, err := batch.SetColumn(schema.SearchID, ids)
	if err != nil {
		return nil, err
	}
	raw = raw.Rename(schema.SearchRename)

	out := Set{}
	for _, name := range schema.FactTables {
		t, err := raw.Project(schema.MustLookup(name).ColumnNames()...)
		if err != nil {
			return nil, fmt.Errorf("normalize: %s: %w", name, err)
		}
		out[name] = t.WithName(name)
	}

	airport, err := airports(raw)
	if err != nil {
		return nil, err
	}
	out[schema.Airport] = airport

	for _, name := range []string{schema.Airline, schema.Equipment} {
		spec := schema.MustLookup(name)
		t, err := raw.Project(spec.ColumnNames()...)
		if err != nil {
			return nil, fmt.Errorf("normalize: %s: %w", name, err)
		}
		t, err = Explode(t.WithName(name).DropDuplicates(), schema.Separator, spec.Explodable()...)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// airports stacks the departure and arrival groups into airport rows. The
// derived city column is left nil for the resolver.
func airports(raw table.Table) (table.Table, error) {
	spec := schema.MustLookup(schema.Airport)

	parts := make([]table.Table, 0, len(schema.AirportGroups))
	for _, g := range schema.AirportGroups {
		p, err := raw.Project(g.Columns...)
		if err != nil {
			return table.Table{}, fmt.Errorf("normalize: airport %s: %w", g.Role, err)
		}
		rename := make(map[string]string, len(g.Columns))
		for i, c := range g.Columns {
			rename[c] = schema.AirportColumns[i]
		}
		parts = append(parts, p.Rename(rename).WithName(schema.Airport))
	}

	stacked := table.Concat(parts...).WithName(schema.Airport)
	stacked, err := stacked.SetColumn(schema.AirportCity, make([]any, stacked.Len()))
	if err != nil {
		return table.Table{}, err
	}
	stacked, err = stacked.Project(spec.ColumnNames()...)
	if err != nil {
		return table.Table{}, err
	}
	return Explode(stacked.DropDuplicates(), schema.Separator, spec.Explodable()...)
}

func emptySet() Set {
	out := Set{}
	for _, name := range schema.LoadOrder {
		out[name] = table.Empty(name, schema.MustLookup(name).ColumnNames())
	}
	return out
}
