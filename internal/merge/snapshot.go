package merge

import (
	"context"
	"fmt"

	"flightetl/internal/schema"
	"flightetl/internal/storage"
	"flightetl/internal/table"
)

// Snapshot is the persisted reference data a load merges against. It is read
// once at load start and never refreshed.
type Snapshot struct {
	tables map[string]table.Table
}

// TableReader is the slice of storage.Store a snapshot needs.
type TableReader interface {
	ReadTable(ctx context.Context, spec storage.TableSpec) (table.Table, error)
}

// NewSnapshot builds a snapshot from already-read tables. Tables are copied.
func NewSnapshot(tables ...table.Table) Snapshot {
	s := Snapshot{tables: make(map[string]table.Table, len(tables))}
	for _, t := range tables {
		s.tables[t.Name] = t.Clone()
	}
	return s
}

// ReadSnapshot reads every dimension table from r.
func ReadSnapshot(ctx context.Context, r TableReader) (Snapshot, error) {
	tables := make([]table.Table, 0, len(schema.DimensionTables))
	for _, name := range schema.DimensionTables {
		t, err := r.ReadTable(ctx, schema.MustLookup(name))
		if err != nil {
			return Snapshot{}, fmt.Errorf("merge: snapshot %s: %w", name, err)
		}
		tables = append(tables, t.WithName(name))
	}
	return NewSnapshot(tables...), nil
}

// Table returns the persisted rows of name, or an empty table with the schema's
// columns.
func (s Snapshot) Table(name string) table.Table {
	if t, ok := s.tables[name]; ok {
		return t
	}
	if spec, ok := schema.Lookup(name); ok {
		return table.Empty(name, spec.ColumnNames())
	}
	return table.Empty(name, nil)
}
