package normalize

import (
	"fmt"
	"strings"

	"flightetl/internal/table"
)

// Explode splits the sep-joined string cells of cols into one row per leg
// position.
//
// For each input row:
//   - every listed string cell is split on sep; non-string cells are one segment
//   - k is the largest segment count among the listed cells
//   - output row p takes segment p of every listed cell; a one-segment cell is
//     repeated at every position and a shorter cell yields "" past its end
//   - unlisted columns are copied unchanged
//
// Positions stay aligned across columns; there is no cross product. Rows with
// a blank value in any listed column are then dropped, followed by exact
// duplicates (first occurrence wins).
func Explode(t table.Table, sep string, cols ...string) (table.Table, error) {
	idx := make([]int, len(cols))
	for i, c := range cols {
		idx[i] = t.ColumnIndex(c)
		if idx[i] < 0 {
			return table.Table{}, fmt.Errorf("normalize: explode %s: unknown column %q", t.Name, c)
		}
	}

	out := table.Table{Name: t.Name, Columns: append([]string(nil), t.Columns...), Rows: make([][]any, 0, len(t.Rows))}
	segs := make([][]any, len(idx))
	for _, r := range t.Rows {
		k := 1
		for i, j := range idx {
			segs[i] = split(r[j], sep)
			if len(segs[i]) > k {
				k = len(segs[i])
			}
		}
		for p := 0; p < k; p++ {
			nr := append([]any(nil), r...)
			for i, j := range idx {
				switch s := segs[i]; {
				case len(s) == 1:
					nr[j] = s[0]
				case p < len(s):
					nr[j] = s[p]
				default:
					nr[j] = ""
				}
			}
			out.Rows = append(out.Rows, nr)
		}
	}

	out = out.Filter(func(row []any) bool {
		for _, j := range idx {
			if table.IsBlank(row[j]) {
				return false
			}
		}
		return true
	})
	return out.DropDuplicates(), nil
}

func split(v any, sep string) []any {
	s, ok := v.(string)
	if !ok || sep == "" || !strings.Contains(s, sep) {
		return []any{v}
	}
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}
