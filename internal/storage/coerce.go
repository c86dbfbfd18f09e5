package storage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"flightetl/internal/table"
)

// Coerce converts a table cell to the Go value a backend binds for typ.
//
// Rules:
//   - nil stays nil.
//   - For every non-text type, a string that is empty after trimming becomes nil.
//   - Strings are parsed (strconv) into the target type; int64 and float64 are
//     cross-converted only when no precision is lost.
//   - Timestamps accept time.Time or RFC3339 / "2006-01-02 15:04:05" strings.
func Coerce(v any, typ Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && typ != TypeText && strings.TrimSpace(s) == "" {
		return nil, nil
	}

	switch typ {
	case TypeText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return table.String(table.Normalize(v)), nil

	case TypeBigInt:
		switch t := table.Normalize(v).(type) {
		case int64:
			return t, nil
		case float64:
			if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
				return nil, fmt.Errorf("coerce %v to bigint: fractional value", t)
			}
			return int64(t), nil
		case string:
			s := strings.TrimSpace(t)
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil || f != math.Trunc(f) {
				return nil, fmt.Errorf("coerce %q to bigint: not an integer", t)
			}
			return int64(f), nil
		default:
			return nil, fmt.Errorf("coerce %T to bigint: unsupported", v)
		}

	case TypeDouble:
		if f, ok := table.Float(table.Normalize(v)); ok {
			return f, nil
		}
		return nil, fmt.Errorf("coerce %v to double: not a number", v)

	case TypeBool:
		switch t := table.Normalize(v).(type) {
		case bool:
			return t, nil
		case int64:
			if t == 0 || t == 1 {
				return t == 1, nil
			}
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err == nil {
				return b, nil
			}
		}
		return nil, fmt.Errorf("coerce %v to boolean: not a boolean", v)

	case TypeTimestamp:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			ts, err := ParseTime(t)
			if err != nil {
				return nil, fmt.Errorf("coerce to timestamp: %w", err)
			}
			return ts, nil
		}
		return nil, fmt.Errorf("coerce %T to timestamp: unsupported", v)

	default:
		return nil, fmt.Errorf("coerce: unknown column type %q", typ)
	}
}

// CoerceRows converts rows aligned to columns into bind values for spec.
// It never mutates its input.
func CoerceRows(spec TableSpec, columns []string, rows [][]any) ([][]any, error) {
	types := make([]Type, len(columns))
	for i, c := range columns {
		col, ok := spec.Column(c)
		if !ok {
			return nil, fmt.Errorf("storage: table %s has no column %q", spec.Name, c)
		}
		types[i] = col.Type
	}

	out := make([][]any, len(rows))
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("storage: table %s: row %d has %d values, want %d", spec.Name, i, len(r), len(columns))
		}
		nr := make([]any, len(r))
		for j, v := range r {
			cv, err := Coerce(v, types[j])
			if err != nil {
				return nil, fmt.Errorf("storage: table %s: row %d column %s: %w", spec.Name, i, columns[j], err)
			}
			nr[j] = cv
		}
		out[i] = nr
	}
	return out, nil
}

// ParseTime parses the timestamp formats backends hand back.
//
// Supported formats:
//   - RFC3339Nano / RFC3339
//   - "2006-01-02 15:04:05Z07:00" and the fractional variant
//   - "2006-01-02 15:04:05" (interpreted as UTC)
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	for _, layout := range []string{"2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

// Decode maps a value scanned from a backend back onto a table cell of typ.
// Backends without native booleans hand back 0/1 integers; timestamps are
// rendered as RFC3339Nano strings.
func Decode(v any, typ Type) any {
	cell := table.Normalize(v)
	switch typ {
	case TypeBool:
		switch t := cell.(type) {
		case int64:
			return t != 0
		case string:
			if b, err := strconv.ParseBool(t); err == nil {
				return b
			}
		}
	case TypeDouble:
		if t, ok := cell.(int64); ok {
			return float64(t)
		}
		if t, ok := cell.(string); ok {
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f
			}
		}
	case TypeBigInt:
		if t, ok := cell.(string); ok {
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return n
			}
		}
	}
	return cell
}
