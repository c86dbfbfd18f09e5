// Package probe profiles one source batch before it is loaded: which raw
// columns are present or missing, how many values each column holds, how
// distinct they are, and how many "||"-joined legs a cell carries.
//
// Profiling is best-effort and never fails on odd cell values.
package probe

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"

	"flightetl/internal/schema"
	"flightetl/internal/table"
)

// distinctCap bounds distinct tracking per column.
const distinctCap = 10000

// Column is the profile of one column.
type Column struct {
	Name string

	// Values counts non-blank cells; it is the denominator for Ratio.
	Values   int
	Distinct int
	Capped   bool

	// MaxLegs is the largest number of separator-joined parts in one cell.
	MaxLegs int

	// Kind is the narrowest kind every non-blank value parses as:
	// "empty", "bool", "int", "float" or "string".
	Kind string
}

// Ratio is distinct values over non-blank values.
func (c Column) Ratio() float64 {
	if c.Values == 0 {
		return 0
	}
	return float64(c.Distinct) / float64(c.Values)
}

type Report struct {
	Name    string
	Rows    int
	Columns []Column

	// Missing are raw columns the normalizer needs but the batch lacks.
	Missing []string
	// Extra are batch columns the normalizer ignores.
	Extra []string
}

// Ready reports whether the batch carries every column a load needs.
func (r Report) Ready() bool { return len(r.Missing) == 0 }

// Profile scans every row of t.
func Profile(t table.Table) Report {
	rep := Report{Name: t.Name, Rows: t.Len()}

	raw := schema.RawColumns()
	for _, c := range raw {
		if t.ColumnIndex(c) < 0 {
			rep.Missing = append(rep.Missing, c)
		}
	}
	for _, c := range t.Columns {
		if !slices.Contains(raw, c) {
			rep.Extra = append(rep.Extra, c)
		}
	}
	sort.Strings(rep.Extra)

	for i, name := range t.Columns {
		rep.Columns = append(rep.Columns, profileColumn(name, t.Rows, i))
	}
	return rep
}

func profileColumn(name string, rows [][]any, idx int) Column {
	col := Column{Name: name, Kind: "empty"}
	seen := make(map[string]struct{})
	for _, r := range rows {
		v := r[idx]
		if table.IsBlank(v) {
			continue
		}
		col.Values++
		s := table.String(v)
		if n := strings.Count(s, schema.Separator) + 1; n > col.MaxLegs {
			col.MaxLegs = n
		}
		col.Kind = widen(col.Kind, kindOf(v))

		if col.Capped {
			continue
		}
		seen[s] = struct{}{}
		if len(seen) >= distinctCap {
			col.Capped = true
			seen = nil
		}
	}
	if col.Capped {
		col.Distinct = distinctCap
	} else {
		col.Distinct = len(seen)
	}
	return col
}

func kindOf(v any) string {
	switch t := table.Normalize(v).(type) {
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "false":
			return "bool"
		}
		if f, ok := table.Float(t); ok {
			if f == float64(int64(f)) && !strings.ContainsAny(t, ".eE") {
				return "int"
			}
			return "float"
		}
		return "string"
	default:
		return "string"
	}
}

// widen merges two kinds into the narrowest one covering both.
func widen(a, b string) string {
	switch {
	case a == "empty":
		return b
	case a == b:
		return a
	case (a == "int" && b == "float") || (a == "float" && b == "int"):
		return "float"
	default:
		return "string"
	}
}

// Write renders r as an aligned text report, most repetitive columns first.
func Write(w io.Writer, r Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "batch:\t%s\trows=%d\n", r.Name, r.Rows)
	if len(r.Missing) > 0 {
		fmt.Fprintf(tw, "missing:\t%s\n", strings.Join(r.Missing, ", "))
	}
	if len(r.Extra) > 0 {
		fmt.Fprintf(tw, "ignored:\t%s\n", strings.Join(r.Extra, ", "))
	}

	cols := slices.Clone(r.Columns)
	sort.SliceStable(cols, func(i, j int) bool {
		if cols[i].Ratio() == cols[j].Ratio() {
			return cols[i].Name < cols[j].Name
		}
		return cols[i].Ratio() < cols[j].Ratio()
	})
	fmt.Fprintln(tw, "COLUMN\tKIND\tVALUES\tDISTINCT\tRATIO\tLEGS")
	for _, c := range cols {
		distinct := fmt.Sprint(c.Distinct)
		if c.Capped {
			distinct += "+"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%.1f%%\t%d\n", c.Name, c.Kind, c.Values, distinct, c.Ratio()*100, c.MaxLegs)
	}
	return tw.Flush()
}
