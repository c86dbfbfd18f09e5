package table

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Normalize maps a foreign value onto the table cell set.
//
//   - all signed/unsigned integer widths -> int64
//   - float32 -> float64
//   - []byte -> string
//   - time.Time -> RFC3339Nano string in UTC
//   - anything else non-nil -> fmt.Sprint
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, string, int64, float64, bool:
		return t
	case []byte:
		return string(t)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}

// RowKey builds a canonical dedupe key over the cells at idx.
//
// Canonicalization rules:
//   - Cells are joined with ASCII Unit Separator (0x1f).
//   - Every cell carries a one-byte type tag so "1" (string) and 1 (int64)
//     never collide.
//   - nil is encoded as a single NUL byte so missing differs from "".
//   - Common types are converted without fmt.Sprint.
func RowKey(row []any, idx []int) string {
	var b strings.Builder
	b.Grow(len(idx) * 12)
	for i, k := range idx {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		appendCanonicalValue(&b, row[k])
	}
	return b.String()
}

func appendCanonicalValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteByte('\x00')
	case string:
		b.WriteByte('s')
		b.WriteString(t)
	case bool:
		if t {
			b.WriteString("btrue")
		} else {
			b.WriteString("bfalse")
		}
	case int64:
		b.WriteByte('i')
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b.WriteByte('f')
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	default:
		b.WriteByte('?')
		b.WriteString(fmt.Sprint(t))
	}
}

// IsBlank reports whether a cell is nil or an empty string.
func IsBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

// String renders a cell for logs and keys. nil renders as "".
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		if HasEdgeSpace(t) {
			return strings.TrimSpace(t)
		}
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Float parses a cell as float64. Strings are parsed after trimming.
func Float(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// HasEdgeSpace reports leading or trailing ASCII whitespace without allocating.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}
