package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flightetl/internal/storage"
	"flightetl/internal/table"
)

/*
Repo implements storage.Store for Postgres.

It provides:
  - Schema-qualified DDL (CREATE SCHEMA / TABLE / INDEX IF NOT EXISTS)
  - Bulk writes through COPY inside a transaction
  - TRUNCATE-based replace, which rolls back with the rest of the transaction
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func tableIdent(t storage.TableSpec) string {
	if t.Schema == "" {
		return pgIdent(t.Name)
	}
	return pgIdent(t.Schema) + "." + pgIdent(t.Name)
}

func pgType(t storage.Type) (string, error) {
	switch t {
	case storage.TypeText:
		return "TEXT", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeDouble:
		return "DOUBLE PRECISION", nil
	case storage.TypeBool:
		return "BOOLEAN", nil
	case storage.TypeTimestamp:
		return "TIMESTAMPTZ", nil
	default:
		return "", fmt.Errorf("postgres: unsupported column type %q", t)
	}
}

// buildCreateSQL builds DDL for one table:
//   - the schema, when the table is schema-qualified
//   - the base table, with the natural-key UNIQUE constraint and the
//     store-managed insertion timestamp
//   - one CREATE INDEX per secondary index
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, indexSQL []string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", nil, err
	}
	if t.Schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(t.Schema))
	}

	defs := make([]string, 0, len(t.Columns)+2)
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", "", nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	if t.InsertionTimeColumn != "" {
		defs = append(defs, fmt.Sprintf(`%s TIMESTAMPTZ NOT NULL DEFAULT now()`, pgIdent(t.InsertionTimeColumn)))
	}
	if len(t.Key) > 0 {
		defs = append(defs, "UNIQUE ("+identList(t.Key)+")")
	}

	tableSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, tableIdent(t), strings.Join(defs, ", "))
	for _, ix := range t.Indexes {
		indexSQL = append(indexSQL, buildCreateIndexSQL(t, ix))
	}
	return schemaSQL, tableSQL, indexSQL, nil
}

// buildColumnDef renders a single column definition.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	typ, err := pgType(c.Type)
	if err != nil {
		return "", err
	}
	def := pgIdent(c.Name) + " " + typ
	if !c.Nullable {
		def += " NOT NULL"
	}
	return def, nil
}

func buildCreateIndexSQL(t storage.TableSpec, ix storage.IndexSpec) string {
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s);`, pgIdent(ix.Name), tableIdent(t), identList(ix.Columns))
}

// Index names are schema-scoped in Postgres.
func buildDropIndexSQL(t storage.TableSpec, ix storage.IndexSpec) string {
	name := pgIdent(ix.Name)
	if t.Schema != "" {
		name = pgIdent(t.Schema) + "." + name
	}
	return fmt.Sprintf(`DROP INDEX IF EXISTS %s;`, name)
}

// EnsureTables creates schema, tables and indexes. This method is idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, tableSQL, indexSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.QualifiedName(), err)
		}
		for _, s := range indexSQL {
			if _, err := r.pool.Exec(ctx, s); err != nil {
				return fmt.Errorf("create index on %s: %w", t.QualifiedName(), err)
			}
		}
	}
	return nil
}

// WriteRows copies rows into the table inside one transaction. Replace mode
// truncates first in the same transaction.
func (r *Repo) WriteRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any, mode storage.WriteMode) (int64, error) {
	bound, err := storage.CoerceRows(spec, columns, rows)
	if err != nil {
		return 0, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	name := tableIdent(spec)
	switch mode {
	case storage.WriteFail:
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+name+");").Scan(&exists); err != nil {
			return 0, err
		}
		if exists {
			return 0, fmt.Errorf("postgres: table %s already holds rows", spec.QualifiedName())
		}
	case storage.WriteReplace:
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+name+";"); err != nil {
			return 0, fmt.Errorf("postgres: truncate %s: %w", spec.QualifiedName(), err)
		}
	case storage.WriteAppend:
	default:
		return 0, fmt.Errorf("postgres: unsupported write mode %v", mode)
	}

	n := int64(0)
	if len(bound) > 0 {
		ident := pgx.Identifier{spec.Name}
		if spec.Schema != "" {
			ident = pgx.Identifier{spec.Schema, spec.Name}
		}
		n, err = tx.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(bound))
		if err != nil {
			return 0, fmt.Errorf("postgres: copy into %s: %w", spec.QualifiedName(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Repo) ReadTable(ctx context.Context, spec storage.TableSpec) (table.Table, error) {
	cols := spec.ColumnNames()
	rows, err := r.pool.Query(ctx, fmt.Sprintf("SELECT %s FROM %s;", identList(cols), tableIdent(spec)))
	if err != nil {
		return table.Table{}, fmt.Errorf("postgres: read %s: %w", spec.QualifiedName(), err)
	}
	defer rows.Close()

	out := table.Empty(spec.Name, cols)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return table.Table{}, err
		}
		for i, c := range spec.Columns {
			vals[i] = storage.Decode(vals[i], c.Type)
		}
		out.Rows = append(out.Rows, vals)
	}
	return out, rows.Err()
}

func (r *Repo) MaxValue(ctx context.Context, spec storage.TableSpec, column string) (int64, bool, error) {
	var v *int64
	q := fmt.Sprintf("SELECT MAX(%s)::bigint FROM %s;", pgIdent(column), tableIdent(spec))
	if err := r.pool.QueryRow(ctx, q).Scan(&v); err != nil {
		return 0, false, fmt.Errorf("postgres: max %s.%s: %w", spec.QualifiedName(), column, err)
	}
	if v == nil {
		return 0, false, nil
	}
	return *v, true, nil
}

func (r *Repo) DropIndexes(ctx context.Context, spec storage.TableSpec) error {
	stmts := make([]string, 0, len(spec.Indexes))
	for _, ix := range spec.Indexes {
		stmts = append(stmts, buildDropIndexSQL(spec, ix))
	}
	return r.execTx(ctx, stmts)
}

func (r *Repo) CreateIndexes(ctx context.Context, spec storage.TableSpec) error {
	stmts := make([]string, 0, len(spec.Indexes))
	for _, ix := range spec.Indexes {
		stmts = append(stmts, buildCreateIndexSQL(spec, ix))
	}
	return r.execTx(ctx, stmts)
}

// Reindex rebuilds every index of the table, the unique constraint included.
func (r *Repo) Reindex(ctx context.Context, spec storage.TableSpec) error {
	if _, err := r.pool.Exec(ctx, "REINDEX TABLE "+tableIdent(spec)+";"); err != nil {
		return fmt.Errorf("postgres: reindex %s: %w", spec.QualifiedName(), err)
	}
	return nil
}

func (r *Repo) DeleteInsertedOn(ctx context.Context, spec storage.TableSpec, day time.Time) (int64, error) {
	if spec.InsertionTimeColumn == "" {
		return 0, fmt.Errorf("postgres: table %s has no insertion time column", spec.QualifiedName())
	}
	q, from, to := buildDeleteInsertedOnSQL(spec, day)
	cmd, err := r.pool.Exec(ctx, q, from, to)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge %s: %w", spec.QualifiedName(), err)
	}
	return cmd.RowsAffected(), nil
}

func buildDeleteInsertedOnSQL(spec storage.TableSpec, day time.Time) (string, time.Time, time.Time) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	col := pgIdent(spec.InsertionTimeColumn)
	q := fmt.Sprintf("DELETE FROM %s WHERE %s >= $1 AND %s < $2;", tableIdent(spec), col, col)
	return q, from, from.AddDate(0, 0, 1)
}

func (r *Repo) execTx(ctx context.Context, stmts []string) error {
	if len(stmts) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, s := range stmts {
		if _, err := tx.Exec(ctx, s); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func identList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, pgIdent(c))
	}
	return strings.Join(out, ", ")
}

var _ storage.Store = (*Repo)(nil)
