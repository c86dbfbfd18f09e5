package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flightetl/internal/table"
)

// Config is the minimal configuration needed to open a Store.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// WriteMode controls what a write does with rows already in the table.
type WriteMode int

const (
	// WriteFail refuses to write into a table that already holds rows.
	WriteFail WriteMode = iota
	// WriteReplace deletes the current contents and inserts the rows, in one
	// transaction.
	WriteReplace
	// WriteAppend inserts the rows next to whatever is there.
	WriteAppend
)

func (m WriteMode) String() string {
	switch m {
	case WriteFail:
		return "fail"
	case WriteReplace:
		return "replace"
	case WriteAppend:
		return "append"
	default:
		return fmt.Sprintf("WriteMode(%d)", int(m))
	}
}

// Store is the backend-agnostic relational store the loader sits on.
//
// All operations are synchronous. Each backend implements them in its own
// idiomatic way (Postgres COPY, SQLite multi-row INSERT, etc).
type Store interface {
	// Close releases backend resources. Call once.
	Close()

	// EnsureTables creates schemas, tables, unique constraints and secondary
	// indexes that do not yet exist.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// WriteRows writes rows as a single all-or-nothing transaction.
	// columns must be a subset of spec's columns; rows are aligned to columns.
	WriteRows(ctx context.Context, spec TableSpec, columns []string, rows [][]any, mode WriteMode) (int64, error)

	// ReadTable returns the full current contents of spec's loader columns.
	ReadTable(ctx context.Context, spec TableSpec) (table.Table, error)

	// MaxValue reports the maximum of an integer column; ok is false on an
	// empty table.
	MaxValue(ctx context.Context, spec TableSpec, column string) (max int64, ok bool, err error)

	// DropIndexes drops spec's secondary indexes (if present) in one transaction.
	DropIndexes(ctx context.Context, spec TableSpec) error

	// CreateIndexes creates spec's secondary indexes (if absent) in one transaction.
	CreateIndexes(ctx context.Context, spec TableSpec) error

	// Reindex rebuilds every index of the table, including the primary one.
	Reindex(ctx context.Context, spec TableSpec) error

	// DeleteInsertedOn deletes rows whose InsertionTimeColumn falls on day (UTC).
	DeleteInsertedOn(ctx context.Context, spec TableSpec, day time.Time) (int64, error)
}

// ---- factories ----

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered. This is
//     intentional to fail fast and avoid ambiguous backend selection.
func Register(kind string, f factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open constructs a Store using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	factoriesMu.RLock()
	f := factories[cfg.Kind]
	factoriesMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}
