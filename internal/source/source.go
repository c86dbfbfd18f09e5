// Package source lists and reads raw flight-search batches.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"flightetl/internal/parser/csv"
	"flightetl/internal/parser/parquet"
	"flightetl/internal/table"
)

// Provider yields batches by path. List returns paths sorted ascending.
type Provider interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, path string) (table.Table, error)
}

// DefaultPatterns are the batch globs used when Dir.Patterns is empty.
var DefaultPatterns = []string{"*.parquet"}

// Dir serves batch files from one directory (not recursive).
//
// Supported formats by extension: .parquet and .csv.
type Dir struct {
	Root     string
	Patterns []string
	CSV      csv.Options
}

func (d Dir) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(d.Root); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	patterns := d.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	seen := make(map[string]struct{})
	var out []string
	for _, p := range patterns {
		matches, err := filepath.Glob(filepath.Join(d.Root, p))
		if err != nil {
			return nil, fmt.Errorf("source: pattern %q: %w", p, err)
		}
		for _, m := range matches {
			if st, err := os.Stat(m); err != nil || st.IsDir() {
				continue
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d Dir) Read(ctx context.Context, path string) (table.Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return parquet.ReadFile(ctx, path)
	case ".csv":
		return csv.ReadFile(ctx, path, d.CSV)
	default:
		return table.Table{}, fmt.Errorf("source: unsupported batch format %q", path)
	}
}

// Pending returns listed paths not present in done, keeping order.
func Pending(paths []string, done map[string]struct{}) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := done[p]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

var _ Provider = Dir{}
