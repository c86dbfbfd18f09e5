// Package parquet encodes table.Table values as flat parquet files and decodes
// them back. It is used for source batches and for remainder artifacts.
//
// Every column is written as an optional leaf, so nil cells survive the round
// trip. The leaf type is chosen per column from its non-nil cells:
//
//	all string          -> BYTE_ARRAY (UTF8)
//	all int64           -> INT64
//	int64 and float64   -> DOUBLE
//	all bool            -> BOOLEAN
//	all nil or mixed    -> BYTE_ARRAY, cells rendered with table.String
//
// Parquet groups order their fields by name. The writer stores the original
// column order in the file's key/value metadata and the reader restores it.
// Files without that entry come back in schema order.
package parquet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	pq "github.com/parquet-go/parquet-go"

	"flightetl/internal/table"
)

// ColumnsKey is the metadata key holding the comma-joined column order.
const ColumnsKey = "flightetl.columns"

// TableKey is the metadata key holding the table name.
const TableKey = "flightetl.table"

const readBatch = 256

type leafKind int

const (
	leafString leafKind = iota
	leafInt64
	leafDouble
	leafBool
)

// inferKind picks the leaf type for one column.
func inferKind(t table.Table, col int) leafKind {
	var seenStr, seenInt, seenFloat, seenBool bool
	for _, r := range t.Rows {
		switch r[col].(type) {
		case nil:
		case string:
			seenStr = true
		case int64:
			seenInt = true
		case float64:
			seenFloat = true
		case bool:
			seenBool = true
		default:
			seenStr = true
		}
	}
	switch {
	case seenStr:
		return leafString
	case seenBool && !seenInt && !seenFloat:
		return leafBool
	case seenBool:
		return leafString
	case seenFloat:
		return leafDouble
	case seenInt:
		return leafInt64
	default:
		return leafString
	}
}

func (k leafKind) node() pq.Node {
	switch k {
	case leafInt64:
		return pq.Optional(pq.Int(64))
	case leafDouble:
		return pq.Optional(pq.Leaf(pq.DoubleType))
	case leafBool:
		return pq.Optional(pq.Leaf(pq.BooleanType))
	default:
		return pq.Optional(pq.String())
	}
}

func (k leafKind) value(v any) pq.Value {
	if v == nil {
		return pq.NullValue()
	}
	switch k {
	case leafInt64:
		return pq.Int64Value(v.(int64))
	case leafDouble:
		f, _ := table.Float(v)
		return pq.DoubleValue(f)
	case leafBool:
		return pq.BooleanValue(v.(bool))
	default:
		if s, ok := v.(string); ok {
			return pq.ByteArrayValue([]byte(s))
		}
		return pq.ByteArrayValue([]byte(table.String(v)))
	}
}

// Write encodes t into w.
//
// Errors:
//   - Returns an error if t has no columns.
//   - Returns an error if a column name contains a comma.
func Write(w io.Writer, t table.Table) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("parquet: table %q has no columns", t.Name)
	}
	group := make(pq.Group, len(t.Columns))
	kinds := make([]leafKind, len(t.Columns))
	for i, c := range t.Columns {
		if strings.Contains(c, ",") {
			return fmt.Errorf("parquet: column name %q contains a comma", c)
		}
		kinds[i] = inferKind(t, i)
		group[c] = kinds[i].node()
	}

	// leaf index of each table column inside the name-ordered group
	sorted := append([]string(nil), t.Columns...)
	sort.Strings(sorted)
	leaf := make(map[string]int, len(sorted))
	for i, c := range sorted {
		leaf[c] = i
	}

	name := t.Name
	if name == "" {
		name = "table"
	}
	schema := pq.NewSchema(name, group)
	pw := pq.NewWriter(w, schema,
		pq.KeyValueMetadata(ColumnsKey, strings.Join(t.Columns, ",")),
		pq.KeyValueMetadata(TableKey, t.Name),
	)

	buf := make([]pq.Row, 0, readBatch)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if _, err := pw.WriteRows(buf); err != nil {
			return fmt.Errorf("parquet: write rows: %w", err)
		}
		buf = buf[:0]
		return nil
	}
	for _, r := range t.Rows {
		row := make(pq.Row, len(t.Columns))
		for i, c := range t.Columns {
			def := 1
			if r[i] == nil {
				def = 0
			}
			row[leaf[c]] = kinds[i].value(r[i]).Level(0, def, leaf[c])
		}
		buf = append(buf, row)
		if len(buf) == cap(buf) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("parquet: close writer: %w", err)
	}
	return nil
}

// WriteFile encodes t into path, replacing any existing file.
func WriteFile(path string, t table.Table) error {
	var buf bytes.Buffer
	if err := Write(&buf, t); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Read decodes a parquet file of the given size. name is used when the file
// carries no table name.
func Read(ctx context.Context, r io.ReaderAt, size int64, name string) (table.Table, error) {
	f, err := pq.OpenFile(r, size)
	if err != nil {
		return table.Table{}, fmt.Errorf("parquet: open: %w", err)
	}
	if v, ok := f.Lookup(TableKey); ok && v != "" {
		name = v
	}

	paths := f.Schema().Columns()
	leafNames := make([]string, len(paths))
	for i, p := range paths {
		leafNames[i] = strings.Join(p, ".")
	}
	columns := leafNames
	if v, ok := f.Lookup(ColumnsKey); ok && v != "" {
		columns = strings.Split(v, ",")
	}

	// position of each leaf in the output row
	pos := make([]int, len(leafNames))
	byName := make(map[string]int, len(columns))
	for i, c := range columns {
		byName[c] = i
	}
	for i, ln := range leafNames {
		j, ok := byName[ln]
		if !ok {
			return table.Table{}, fmt.Errorf("parquet: column %q missing from column order", ln)
		}
		pos[i] = j
	}

	out := table.Empty(name, columns)
	buf := make([]pq.Row, readBatch)
	for _, rg := range f.RowGroups() {
		rows := rg.Rows()
		for {
			if err := ctx.Err(); err != nil {
				rows.Close()
				return table.Table{}, err
			}
			n, err := rows.ReadRows(buf)
			for _, pr := range buf[:n] {
				row := make([]any, len(columns))
				for _, v := range pr {
					c := v.Column()
					if c < 0 || c >= len(pos) {
						continue
					}
					row[pos[c]] = decodeValue(v)
				}
				out.Rows = append(out.Rows, row)
			}
			if err != nil {
				rows.Close()
				if errors.Is(err, io.EOF) {
					break
				}
				return table.Table{}, fmt.Errorf("parquet: read rows: %w", err)
			}
		}
	}
	return out, nil
}

// ReadFile decodes the parquet file at path. The table name defaults to the
// file's base name without extension.
func ReadFile(ctx context.Context, path string) (table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return table.Table{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return table.Table{}, err
	}
	base := st.Name()
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	t, err := Read(ctx, f, st.Size(), base)
	if err != nil {
		return table.Table{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func decodeValue(v pq.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case pq.Boolean:
		return v.Boolean()
	case pq.Int32:
		return int64(v.Int32())
	case pq.Int64:
		return v.Int64()
	case pq.Float:
		return float64(v.Float())
	case pq.Double:
		return v.Double()
	case pq.ByteArray, pq.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return table.Normalize(v.String())
	}
}
