// The table description types live in storage so the pipeline packages and the
// backend packages can share them without import cycles.
package storage

import "fmt"

// Type is a backend-neutral column type. Each backend maps it to native DDL.
type Type string

const (
	TypeText      Type = "text"
	TypeBigInt    Type = "bigint"
	TypeDouble    Type = "double"
	TypeBool      Type = "boolean"
	TypeTimestamp Type = "timestamp"
)

// Kind classifies a table by how it is loaded.
type Kind string

const (
	// KindFact is an append-only table keyed by an allocated identifier.
	KindFact Kind = "fact"
	// KindDimension is a reference table keyed by a natural code.
	KindDimension Kind = "dimension"
	// KindLedger is the append-only record of processed sources.
	KindLedger Kind = "ledger"
)

type TableSpec struct {
	// Schema is the namespace the table lives in (e.g. "flight"). Backends that
	// lack schemas (sqlite) fold it into the table name.
	Schema  string
	Name    string
	Kind    Kind
	Columns []ColumnSpec

	// Key is the natural key of a dimension table or the unique column set of the
	// ledger. Fact tables leave it empty.
	Key []string

	// Derived lists columns that are computed after normalization (airport.city)
	// and therefore take no part in explode or exact-row dedupe.
	Derived []string

	// Indexes are secondary, non-unique indexes. They may be dropped around bulk
	// writes and are recreated afterwards.
	Indexes []IndexSpec

	// InsertionTimeColumn, when set, is a store-managed timestamp column
	// defaulting to the insert time. It is never written by the loader.
	InsertionTimeColumn string
}

type ColumnSpec struct {
	Name     string
	Type     Type
	Nullable bool
}

type IndexSpec struct {
	Name    string
	Columns []string
}

// ColumnNames returns the loader-written columns in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// Column looks up a column by name.
func (t TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// Explodable returns the columns that take part in explode/dedupe: every
// column except Derived ones.
func (t TableSpec) Explodable() []string {
	derived := make(map[string]struct{}, len(t.Derived))
	for _, d := range t.Derived {
		derived[d] = struct{}{}
	}
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if _, ok := derived[c.Name]; ok {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}

// QualifiedName returns "schema.name", or just name when Schema is empty.
func (t TableSpec) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Validate checks the description for programmer errors.
func (t TableSpec) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("storage: table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("storage: table %s has no columns", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" || c.Type == "" {
			return fmt.Errorf("storage: table %s: column name/type must be set", t.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("storage: table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	check := func(what string, cols []string) error {
		for _, c := range cols {
			if _, ok := seen[c]; !ok {
				return fmt.Errorf("storage: table %s: %s references unknown column %q", t.Name, what, c)
			}
		}
		return nil
	}
	if err := check("key", t.Key); err != nil {
		return err
	}
	if err := check("derived", t.Derived); err != nil {
		return err
	}
	for _, ix := range t.Indexes {
		if ix.Name == "" || len(ix.Columns) == 0 {
			return fmt.Errorf("storage: table %s: index requires name and columns", t.Name)
		}
		if err := check("index "+ix.Name, ix.Columns); err != nil {
			return err
		}
	}
	return nil
}
