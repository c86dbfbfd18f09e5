package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"flightetl/internal/storage"
	"flightetl/internal/table"
)

// Repo implements storage.Store for Microsoft SQL Server.
//
// This implementation supports:
//   - Idempotent DDL guarded by OBJECT_ID / SCHEMA_ID / sys.indexes checks.
//   - Multi-row INSERT ... VALUES bounded by the 2100 parameter and 1000 row
//     limits of a single statement, all inside one transaction.
//   - Replace mode via DELETE in the same transaction.
//
// Text key columns use NVARCHAR(450) so they can carry a UNIQUE constraint;
// other text columns are NVARCHAR(MAX).
type Repo struct {
	db dbConn
}

const (
	maxParams       = 2100
	maxRowsPerValue = 1000
)

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for ETL-style bursty loads.
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func tableIdent(t storage.TableSpec) string {
	if t.Schema == "" {
		return mssqlIdent(t.Name)
	}
	return mssqlIdent(t.Schema) + "." + mssqlIdent(t.Name)
}

// objectName is the unquoted name used with OBJECT_ID.
func objectName(t storage.TableSpec) string {
	return strings.ReplaceAll(t.QualifiedName(), "'", "''")
}

func mssqlType(c storage.ColumnSpec, key bool) (string, error) {
	switch c.Type {
	case storage.TypeText:
		if key {
			return "NVARCHAR(450)", nil
		}
		return "NVARCHAR(MAX)", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeDouble:
		return "FLOAT", nil
	case storage.TypeBool:
		return "BIT", nil
	case storage.TypeTimestamp:
		return "DATETIME2", nil
	default:
		return "", fmt.Errorf("mssql: unsupported column type %q", c.Type)
	}
}

// buildCreateSQL returns the guarded schema, table and index statements.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, indexSQL []string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", nil, err
	}
	if t.Schema != "" {
		s := strings.ReplaceAll(t.Schema, "'", "''")
		schemaSQL = fmt.Sprintf("IF SCHEMA_ID(N'%s') IS NULL EXEC(N'CREATE SCHEMA %s');", s, strings.ReplaceAll(mssqlIdent(t.Schema), "'", "''"))
	}

	keyed := map[string]bool{}
	for _, k := range t.Key {
		keyed[k] = true
	}
	for _, ix := range t.Indexes {
		for _, c := range ix.Columns {
			keyed[c] = true
		}
	}

	parts := make([]string, 0, len(t.Columns)+2)
	for _, c := range t.Columns {
		typ, err := mssqlType(c, keyed[c.Name])
		if err != nil {
			return "", "", nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		def := mssqlIdent(c.Name) + " " + typ
		if c.Nullable {
			def += " NULL"
		} else {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}
	if t.InsertionTimeColumn != "" {
		parts = append(parts, fmt.Sprintf("%s DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()", mssqlIdent(t.InsertionTimeColumn)))
	}
	if len(t.Key) > 0 {
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", identList(t.Key)))
	}

	tableSQL = fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		objectName(t), tableIdent(t), strings.Join(parts, ", "),
	)
	for _, ix := range t.Indexes {
		indexSQL = append(indexSQL, buildCreateIndexSQL(t, ix))
	}
	return schemaSQL, tableSQL, indexSQL, nil
}

func buildCreateIndexSQL(t storage.TableSpec, ix storage.IndexSpec) string {
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE INDEX %s ON %s (%s);",
		strings.ReplaceAll(ix.Name, "'", "''"), objectName(t), mssqlIdent(ix.Name), tableIdent(t), identList(ix.Columns),
	)
}

func buildDropIndexSQL(t storage.TableSpec, ix storage.IndexSpec) string {
	return fmt.Sprintf("DROP INDEX IF EXISTS %s ON %s;", mssqlIdent(ix.Name), tableIdent(t))
}

// EnsureTables runs the guarded DDL for every table. Idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, tableSQL, indexSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		for _, s := range append([]string{schemaSQL, tableSQL}, indexSQL...) {
			if s == "" {
				continue
			}
			if _, err := r.db.ExecContext(ctx, s); err != nil {
				return fmt.Errorf("mssql: ensure %s: %w", t.QualifiedName(), err)
			}
		}
	}
	return nil
}

// rowsPerStatement bounds one INSERT by the parameter and VALUES-row limits.
func rowsPerStatement(columns int) int {
	if columns < 1 {
		return maxRowsPerValue
	}
	n := (maxParams - 1) / columns
	if n > maxRowsPerValue {
		n = maxRowsPerValue
	}
	if n < 1 {
		n = 1
	}
	return n
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(identList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("@p%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")

	return b.String(), args
}

func (r *Repo) WriteRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any, mode storage.WriteMode) (int64, error) {
	bound, err := storage.CoerceRows(spec, columns, rows)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	name := tableIdent(spec)
	switch mode {
	case storage.WriteFail:
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM (SELECT TOP 1 1 AS x FROM "+name+") t;").Scan(&n); err != nil {
			return 0, err
		}
		if n > 0 {
			return 0, fmt.Errorf("mssql: table %s already holds rows", spec.QualifiedName())
		}
	case storage.WriteReplace:
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+name+";"); err != nil {
			return 0, fmt.Errorf("mssql: clear %s: %w", spec.QualifiedName(), err)
		}
	case storage.WriteAppend:
	default:
		return 0, fmt.Errorf("mssql: unsupported write mode %v", mode)
	}

	total := int64(0)
	per := rowsPerStatement(len(columns))
	for start := 0; start < len(bound); start += per {
		end := start + per
		if end > len(bound) {
			end = len(bound)
		}
		q, args := buildBulkInsertSQL(name, columns, bound[start:end])
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repo) ReadTable(ctx context.Context, spec storage.TableSpec) (table.Table, error) {
	cols := spec.ColumnNames()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s;", identList(cols), tableIdent(spec)))
	if err != nil {
		return table.Table{}, fmt.Errorf("mssql: read %s: %w", spec.QualifiedName(), err)
	}
	defer rows.Close()

	out := table.Empty(spec.Name, cols)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
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
	var v sql.NullInt64
	q := fmt.Sprintf("SELECT MAX(%s) FROM %s;", mssqlIdent(column), tableIdent(spec))
	if err := r.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return 0, false, fmt.Errorf("mssql: max %s.%s: %w", spec.QualifiedName(), column, err)
	}
	return v.Int64, v.Valid, nil
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

func (r *Repo) Reindex(ctx context.Context, spec storage.TableSpec) error {
	if _, err := r.db.ExecContext(ctx, "ALTER INDEX ALL ON "+tableIdent(spec)+" REBUILD;"); err != nil {
		return fmt.Errorf("mssql: reindex %s: %w", spec.QualifiedName(), err)
	}
	return nil
}

func (r *Repo) DeleteInsertedOn(ctx context.Context, spec storage.TableSpec, day time.Time) (int64, error) {
	if spec.InsertionTimeColumn == "" {
		return 0, fmt.Errorf("mssql: table %s has no insertion time column", spec.QualifiedName())
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	col := mssqlIdent(spec.InsertionTimeColumn)
	q := fmt.Sprintf("DELETE FROM %s WHERE %s >= @p1 AND %s < @p2;", tableIdent(spec), col, col)
	res, err := r.db.ExecContext(ctx, q, from, from.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("mssql: purge %s: %w", spec.QualifiedName(), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *Repo) execTx(ctx context.Context, stmts []string) error {
	if len(stmts) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func identList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, mssqlIdent(c))
	}
	return strings.Join(out, ", ")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error { return s.tx.Commit() }

func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

var (
	_ dbConn        = (*sqlDB)(nil)
	_ txConn        = (*sqlTx)(nil)
	_ storage.Store = (*Repo)(nil)
)
