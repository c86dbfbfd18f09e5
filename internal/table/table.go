// Package table holds the in-memory tabular value that flows between the
// normalizer, merger, resolver and loader.
//
// A Table is a named, ordered column list plus positional rows. Cells are
// restricted to a small scalar set so that dedupe keys, parquet encoding and
// database binding all agree on types:
//
//	nil | string | int64 | float64 | bool
//
// Use Normalize (or New) when building tables from foreign values; other integer
// and float widths are widened on the way in.
package table

import (
	"fmt"
	"strings"
)

type Table struct {
	Name    string
	Columns []string
	Rows    [][]any
}

// New builds a table and normalizes every cell.
//
// Errors:
//   - Returns an error if any row width differs from len(columns).
//   - Returns an error if a column name is duplicated.
func New(name string, columns []string, rows [][]any) (Table, error) {
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if _, dup := seen[c]; dup {
			return Table{}, fmt.Errorf("table %s: duplicate column %q", name, c)
		}
		seen[c] = struct{}{}
	}
	out := Table{
		Name:    name,
		Columns: append([]string(nil), columns...),
		Rows:    make([][]any, 0, len(rows)),
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return Table{}, fmt.Errorf("table %s: row %d has %d values, want %d", name, i, len(r), len(columns))
		}
		nr := make([]any, len(r))
		for j, v := range r {
			nr[j] = Normalize(v)
		}
		out.Rows = append(out.Rows, nr)
	}
	return out, nil
}

// Empty returns a zero-row table with the given columns.
func Empty(name string, columns []string) Table {
	return Table{Name: name, Columns: append([]string(nil), columns...), Rows: [][]any{}}
}

func (t Table) Len() int { return len(t.Rows) }

// ColumnIndex returns the position of name, or -1.
func (t Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Clone deep-copies the row slices. Cell values are immutable scalars.
func (t Table) Clone() Table {
	out := Table{Name: t.Name, Columns: append([]string(nil), t.Columns...), Rows: make([][]any, len(t.Rows))}
	for i, r := range t.Rows {
		out.Rows[i] = append([]any(nil), r...)
	}
	return out
}

// WithName returns a shallow copy carrying a different table name.
func (t Table) WithName(name string) Table {
	t.Name = name
	return t
}

// Project returns a new table containing only columns, in that order.
func (t Table) Project(columns ...string) (Table, error) {
	idx := make([]int, len(columns))
	var missing []string
	for i, c := range columns {
		idx[i] = t.ColumnIndex(c)
		if idx[i] < 0 {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return Table{}, fmt.Errorf("table %s: missing columns %s", t.Name, strings.Join(missing, ", "))
	}

	out := Table{Name: t.Name, Columns: append([]string(nil), columns...), Rows: make([][]any, len(t.Rows))}
	for i, r := range t.Rows {
		nr := make([]any, len(idx))
		for j, k := range idx {
			nr[j] = r[k]
		}
		out.Rows[i] = nr
	}
	return out, nil
}

// Rename returns a copy with columns renamed by m (old -> new). Unmapped
// columns keep their names.
func (t Table) Rename(m map[string]string) Table {
	out := t
	out.Columns = make([]string, len(t.Columns))
	for i, c := range t.Columns {
		if n, ok := m[c]; ok {
			out.Columns[i] = n
		} else {
			out.Columns[i] = c
		}
	}
	return out
}

// SetColumn replaces (or appends) a column with values.
func (t Table) SetColumn(name string, values []any) (Table, error) {
	if len(values) != len(t.Rows) {
		return Table{}, fmt.Errorf("table %s: column %s has %d values, want %d", t.Name, name, len(values), len(t.Rows))
	}
	out := t.Clone()
	idx := out.ColumnIndex(name)
	if idx < 0 {
		out.Columns = append(out.Columns, name)
		for i := range out.Rows {
			out.Rows[i] = append(out.Rows[i], Normalize(values[i]))
		}
		return out, nil
	}
	for i := range out.Rows {
		out.Rows[i][idx] = Normalize(values[i])
	}
	return out, nil
}

// Column returns the values of a single column.
func (t Table) Column(name string) ([]any, bool) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, false
	}
	out := make([]any, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[idx]
	}
	return out, true
}

// Concat stacks tables vertically, preserving input order and, within each
// input, row order.
//
// The output column list is the first table's columns followed by any column
// first seen in a later table. Cells for columns a table does not carry are nil.
// The output takes its name from the first non-empty Name.
func Concat(tables ...Table) Table {
	var out Table
	pos := map[string]int{}
	total := 0
	for _, t := range tables {
		if out.Name == "" {
			out.Name = t.Name
		}
		for _, c := range t.Columns {
			if _, ok := pos[c]; !ok {
				pos[c] = len(out.Columns)
				out.Columns = append(out.Columns, c)
			}
		}
		total += len(t.Rows)
	}

	out.Rows = make([][]any, 0, total)
	for _, t := range tables {
		idx := make([]int, len(t.Columns))
		for i, c := range t.Columns {
			idx[i] = pos[c]
		}
		for _, r := range t.Rows {
			nr := make([]any, len(out.Columns))
			for i, v := range r {
				nr[idx[i]] = v
			}
			out.Rows = append(out.Rows, nr)
		}
	}
	return out
}

// DropDuplicates removes exact-duplicate rows. The first occurrence wins and
// relative order is preserved.
func (t Table) DropDuplicates() Table {
	all := make([]int, len(t.Columns))
	for i := range all {
		all[i] = i
	}
	return t.dedupeOn(all)
}

// DropDuplicatesBy keeps the first row for every distinct combination of cols.
func (t Table) DropDuplicatesBy(cols ...string) (Table, error) {
	idx := make([]int, len(cols))
	for i, c := range cols {
		idx[i] = t.ColumnIndex(c)
		if idx[i] < 0 {
			return Table{}, fmt.Errorf("table %s: unknown dedupe column %q", t.Name, c)
		}
	}
	return t.dedupeOn(idx), nil
}

func (t Table) dedupeOn(idx []int) Table {
	seen := make(map[string]struct{}, len(t.Rows))
	out := Table{Name: t.Name, Columns: append([]string(nil), t.Columns...), Rows: make([][]any, 0, len(t.Rows))}
	for _, r := range t.Rows {
		k := RowKey(r, idx)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out.Rows = append(out.Rows, r)
	}
	return out
}

// Filter keeps rows for which keep returns true.
func (t Table) Filter(keep func(row []any) bool) Table {
	out := Table{Name: t.Name, Columns: append([]string(nil), t.Columns...), Rows: make([][]any, 0, len(t.Rows))}
	for _, r := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Split partitions the table into n contiguous, roughly-equal slices.
//
// Edge cases:
//   - n < 1 is treated as 1.
//   - n larger than the row count yields one partition per row (never an empty
//     partition), except that a zero-row table yields one empty partition.
//   - Partition sizes differ by at most one row; earlier partitions get the extra.
func (t Table) Split(n int) []Table {
	if n < 1 {
		n = 1
	}
	if len(t.Rows) == 0 {
		return []Table{{Name: t.Name, Columns: t.Columns, Rows: [][]any{}}}
	}
	if n > len(t.Rows) {
		n = len(t.Rows)
	}

	base := len(t.Rows) / n
	extra := len(t.Rows) % n

	out := make([]Table, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		out = append(out, Table{Name: t.Name, Columns: t.Columns, Rows: t.Rows[start : start+size]})
		start += size
	}
	return out
}
