// Package merge consolidates per-batch table sets into the set a load writes.
package merge

import (
	"context"
	"fmt"
	"strings"

	"flightetl/internal/idalloc"
	"flightetl/internal/normalize"
	"flightetl/internal/schema"
	"flightetl/internal/storage"
	"flightetl/internal/table"
)

// Merge concatenates sets in the given order, assigns ids to the fact tables
// and reconciles reference tables against snap.
//
// Callers must pass sets in a reproducible order (the source path order):
// id assignment follows it.
//
// Reference tables are rebuilt as: this load's rows first, then the persisted
// rows; re-exploded; then one row per natural key, so this load's attributes
// replace stale persisted ones. A persisted airport city is carried over to
// rows at the same coordinates.
//
// Errors:
//   - Returns an error if a fact table's row count differs from ids.Len().
func Merge(ctx context.Context, sets []normalize.Set, ids idalloc.Range, snap Snapshot) (normalize.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := normalize.Set{}
	for _, name := range schema.LoadOrder {
		spec := schema.MustLookup(name)
		parts := make([]table.Table, 0, len(sets)+1)
		parts = append(parts, table.Empty(name, spec.ColumnNames()))
		for _, s := range sets {
			if t, ok := s[name]; ok {
				parts = append(parts, t)
			}
		}
		out[name] = table.Concat(parts...).WithName(name)
	}

	for _, name := range schema.FactTables {
		t, err := assignIDs(out[name], ids)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}

	for _, name := range schema.DimensionTables {
		t, err := reconcile(out[name], snap.Table(name), schema.MustLookup(name))
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

func assignIDs(t table.Table, ids idalloc.Range) (table.Table, error) {
	if t.Len() != ids.Len() {
		return table.Table{}, fmt.Errorf("merge: %s has %d rows but id range %v covers %d", t.Name, t.Len(), ids, ids.Len())
	}
	vals := make([]any, t.Len())
	for i := range vals {
		vals[i] = ids.At(i)
	}
	return t.SetColumn(schema.SearchID, vals)
}

// Reconcile merges fresh reference rows with persisted ones for spec. Exposed
// for the reconciler, which applies the same rule to leftover artifacts.
func Reconcile(fresh, persisted table.Table, spec storage.TableSpec) (table.Table, error) {
	return reconcile(fresh, persisted, spec)
}

func reconcile(fresh, persisted table.Table, spec storage.TableSpec) (table.Table, error) {
	cols := spec.ColumnNames()
	fresh, err := typed(fresh, spec)
	if err != nil {
		return table.Table{}, err
	}
	old, err := typed(persisted, spec)
	if err != nil {
		return table.Table{}, err
	}

	union := table.Concat(fresh, old).WithName(spec.Name)
	union, err = union.Project(cols...)
	if err != nil {
		return table.Table{}, err
	}
	union, err = normalize.Explode(union, schema.Separator, spec.Explodable()...)
	if err != nil {
		return table.Table{}, err
	}
	// split segments are still text
	union, err = typed(union, spec)
	if err != nil {
		return table.Table{}, err
	}
	union = union.DropDuplicates()
	if len(spec.Key) > 0 {
		union, err = union.DropDuplicatesBy(spec.Key...)
		if err != nil {
			return table.Table{}, err
		}
	}
	if spec.Name == schema.Airport {
		union = carryCity(union, old)
	}
	return union, nil
}

// typed coerces cells to the TableSpec column types so fresh string values and
// persisted typed values compare equal. Cells that do not coerce keep their
// source value; the loader reports them.
func typed(t table.Table, spec storage.TableSpec) (table.Table, error) {
	p, err := table.Concat(table.Empty(spec.Name, spec.ColumnNames()), t).Project(spec.ColumnNames()...)
	if err != nil {
		return table.Table{}, err
	}
	p.Name = spec.Name
	for _, r := range p.Rows {
		for j, c := range spec.Columns {
			// exploded cells are coerced after the split
			if s, ok := r[j].(string); ok && strings.Contains(s, schema.Separator) {
				continue
			}
			if v, err := storage.Coerce(r[j], c.Type); err == nil {
				r[j] = table.Normalize(v)
			}
		}
	}
	return p, nil
}

func carryCity(airports, persisted table.Table) table.Table {
	ci := airports.ColumnIndex(schema.AirportCity)
	coord := []int{airports.ColumnIndex(schema.AirportLatitude), airports.ColumnIndex(schema.AirportLongitude)}
	pci := persisted.ColumnIndex(schema.AirportCity)
	pcoord := []int{persisted.ColumnIndex(schema.AirportLatitude), persisted.ColumnIndex(schema.AirportLongitude)}

	known := map[string]any{}
	for _, r := range persisted.Rows {
		if r[pci] == nil {
			continue
		}
		k := table.RowKey(r, pcoord)
		if _, ok := known[k]; !ok {
			known[k] = r[pci]
		}
	}
	if len(known) == 0 {
		return airports
	}
	for _, r := range airports.Rows {
		if r[ci] != nil {
			continue
		}
		if city, ok := known[table.RowKey(r, coord)]; ok {
			r[ci] = city
		}
	}
	return airports
}
