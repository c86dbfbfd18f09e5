// Package csv reads delimited source batches into a table.Table.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"flightetl/internal/table"
)

// Options controls header handling and cell cleanup.
type Options struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune

	// HeaderMap renames header cells after trimming. Unmapped headers keep
	// their case and have inner spaces replaced by underscores.
	HeaderMap map[string]string

	// KeepSpace disables trimming of header and value cells.
	KeepSpace bool

	LazyQuotes bool
}

// Read parses r. The first record is the header. Empty cells become nil.
//
// Errors:
//   - Returns an error if the header cannot be read or names a column twice.
//   - Returns an error naming the line for a malformed record.
func Read(ctx context.Context, r io.Reader, name string, opt Options) (table.Table, error) {
	cr := csv.NewReader(r)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	line := 1
	hdr, err := cr.Read()
	if err == io.EOF {
		return table.Empty(name, nil), nil
	}
	if err != nil {
		return table.Table{}, fmt.Errorf("csv: read header: %w", err)
	}

	cols := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if !opt.KeepSpace && table.HasEdgeSpace(h) {
			h = strings.TrimSpace(h)
		}
		if mapped, ok := opt.HeaderMap[h]; ok {
			h = mapped
		} else {
			h = strings.ReplaceAll(h, " ", "_")
		}
		cols[i] = h
	}

	rows := make([][]any, 0, 64)
	for {
		if err := ctx.Err(); err != nil {
			return table.Table{}, err
		}
		rec, err := cr.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			return table.Table{}, fmt.Errorf("csv: line %d: %w", line, err)
		}

		row := make([]any, len(cols))
		for i := range cols {
			if i >= len(rec) {
				continue
			}
			v := rec[i]
			if !opt.KeepSpace && table.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v != "" {
				row[i] = v
			}
		}
		rows = append(rows, row)
	}

	out, err := table.New(name, cols, rows)
	if err != nil {
		return table.Table{}, fmt.Errorf("csv: %w", err)
	}
	return out, nil
}

// ReadFile parses the file at path. The table name is the base name without
// extension.
func ReadFile(ctx context.Context, path string, opt Options) (table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return table.Table{}, err
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	t, err := Read(ctx, f, name, opt)
	if err != nil {
		return table.Table{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
