// Package remainder stores rows a load could not persist, one parquet artifact
// per table and load, so a later reconcile run can retry them.
//
// Artifact names are
//
//	<table>_<YYYYMMDD_HHhMMmin_SSsNNNNNNNNN>.parquet
//
// in UTC, for example flight_20220416_10h05min_07s000000042.parquet.
package remainder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"flightetl/internal/parser/parquet"
	"flightetl/internal/table"
)

const (
	ext      = ".parquet"
	stampFmt = "20060102_15h04min_05s"
	// stampFmt renders to 21 characters, followed by 9 nanosecond digits.
	stampLen = 21 + 9
)

// ErrBadKey is returned by ParseKey for names that are not artifact names.
var ErrBadKey = errors.New("remainder: not an artifact name")

// Key identifies one artifact.
type Key struct {
	Table string
	At    time.Time
}

// Name renders the artifact file name.
func (k Key) Name() string {
	at := k.At.UTC()
	return fmt.Sprintf("%s_%s%09d%s", k.Table, at.Format(stampFmt), at.Nanosecond(), ext)
}

func (k Key) String() string { return k.Name() }

// ParseKey is the inverse of Key.Name. Table names may contain underscores.
func ParseKey(name string) (Key, error) {
	base, ok := strings.CutSuffix(filepath.Base(name), ext)
	if !ok || len(base) < stampLen+2 || base[len(base)-stampLen-1] != '_' {
		return Key{}, fmt.Errorf("%w: %q", ErrBadKey, name)
	}
	stamp := base[len(base)-stampLen:]
	tbl := base[:len(base)-stampLen-1]

	at, err := time.ParseInLocation(stampFmt, stamp[:21], time.UTC)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: %v", ErrBadKey, name, err)
	}
	ns, err := strconv.Atoi(stamp[21:])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: %v", ErrBadKey, name, err)
	}
	return Key{Table: tbl, At: at.Add(time.Duration(ns))}, nil
}

// Dir keeps artifacts in one directory, created on first Put.
type Dir struct {
	Root string
}

// Put writes t as the artifact for tableName at time at.
// The file is written under a temporary name and renamed into place.
func (d Dir) Put(ctx context.Context, tableName string, at time.Time, t table.Table) (Key, error) {
	if err := ctx.Err(); err != nil {
		return Key{}, err
	}
	if tableName == "" {
		return Key{}, errors.New("remainder: empty table name")
	}
	if err := os.MkdirAll(d.Root, 0o755); err != nil {
		return Key{}, fmt.Errorf("remainder: %w", err)
	}
	k := Key{Table: tableName, At: at.UTC()}
	final := filepath.Join(d.Root, k.Name())
	tmp := final + ".tmp"

	if err := parquet.WriteFile(tmp, t.WithName(tableName)); err != nil {
		_ = os.Remove(tmp)
		return Key{}, fmt.Errorf("remainder: write %s: %w", k.Name(), err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Key{}, fmt.Errorf("remainder: %w", err)
	}
	return k, nil
}

// List returns every artifact key ordered by file name. Other files are ignored.
func (d Dir) List(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remainder: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	keys := make([]Key, 0, len(names))
	for _, n := range names {
		k, err := ParseKey(n)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Get reads one artifact. The returned table is named after the key.
func (d Dir) Get(ctx context.Context, k Key) (table.Table, error) {
	t, err := parquet.ReadFile(ctx, filepath.Join(d.Root, k.Name()))
	if err != nil {
		return table.Table{}, fmt.Errorf("remainder: %w", err)
	}
	return t.WithName(k.Table), nil
}

// Delete removes one artifact. Deleting a missing artifact is not an error.
func (d Dir) Delete(ctx context.Context, k Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(d.Root, k.Name()))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remainder: %w", err)
	}
	return nil
}
