package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"flightetl/internal/storage"
	"flightetl/internal/table"
)

// Repo implements storage.Store for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no schemas, so "flight.search" is stored as table "flight_search".
//   - Booleans are stored as INTEGER 0/1 and decoded back through storage.Decode.
//   - The insertion timestamp is TEXT in a fixed-width UTC format so range
//     comparisons on it are lexicographic.
type Repo struct {
	db *sql.DB
}

// maxParams is SQLITE_MAX_VARIABLE_NUMBER for the modernc build.
const maxParams = 32766

// timeLayout is the fixed-width format written by the insertionTime default.
const timeLayout = "2006-01-02T15:04:05.000Z"

func init() {
	storage.Register("sqlite", New)
}

// New opens a SQLite store. In-memory DSNs are pinned to a single connection
// so every statement sees the same database.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if strings.Contains(cfg.DSN, ":memory:") || strings.Contains(cfg.DSN, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func tableIdent(spec storage.TableSpec) string {
	if spec.Schema == "" {
		return sqlIdent(spec.Name)
	}
	return sqlIdent(spec.Schema + "_" + spec.Name)
}

func sqliteType(t storage.Type) (string, error) {
	switch t {
	case storage.TypeText, storage.TypeTimestamp:
		return "TEXT", nil
	case storage.TypeBigInt, storage.TypeBool:
		return "INTEGER", nil
	case storage.TypeDouble:
		return "REAL", nil
	default:
		return "", fmt.Errorf("sqlite: unsupported column type %q", t)
	}
}

// buildCreateSQL generates the CREATE TABLE statement and the secondary index
// statements for one table.
func buildCreateSQL(t storage.TableSpec) (tableSQL string, indexSQL []string, err error) {
	if err := t.Validate(); err != nil {
		return "", nil, err
	}

	defs := make([]string, 0, len(t.Columns)+2)
	for _, c := range t.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		def := sqlIdent(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if t.InsertionTimeColumn != "" {
		defs = append(defs, fmt.Sprintf(`%s TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'))`, sqlIdent(t.InsertionTimeColumn)))
	}
	if len(t.Key) > 0 {
		defs = append(defs, "UNIQUE ("+joinIdentList(t.Key)+")")
	}

	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", tableIdent(t), strings.Join(defs, ", "))
	for _, ix := range t.Indexes {
		indexSQL = append(indexSQL, buildCreateIndexSQL(t, ix))
	}
	return tableSQL, indexSQL, nil
}

func buildCreateIndexSQL(t storage.TableSpec, ix storage.IndexSpec) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);", sqlIdent(ix.Name), tableIdent(t), joinIdentList(ix.Columns))
}

// EnsureTables creates tables and secondary indexes. Idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		tableSQL, indexSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.QualifiedName(), err)
		}
		for _, s := range indexSQL {
			if _, err := r.db.ExecContext(ctx, s); err != nil {
				return fmt.Errorf("create index on %s: %w", t.QualifiedName(), err)
			}
		}
	}
	return nil
}

// WriteRows performs multi-row inserts inside one transaction.
func (r *Repo) WriteRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any, mode storage.WriteMode) (int64, error) {
	bound, err := storage.CoerceRows(spec, columns, rows)
	if err != nil {
		return 0, err
	}
	for _, row := range bound {
		for j, v := range row {
			if ts, ok := v.(time.Time); ok {
				row[j] = ts.UTC().Format(time.RFC3339Nano)
			}
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	name := tableIdent(spec)
	switch mode {
	case storage.WriteFail:
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM "+name+");").Scan(&exists); err != nil {
			return 0, err
		}
		if exists == 1 {
			return 0, fmt.Errorf("sqlite: table %s already holds rows", spec.QualifiedName())
		}
	case storage.WriteReplace:
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+name+";"); err != nil {
			return 0, fmt.Errorf("sqlite: clear %s: %w", spec.QualifiedName(), err)
		}
	case storage.WriteAppend:
	default:
		return 0, fmt.Errorf("sqlite: unsupported write mode %v", mode)
	}

	total := int64(0)
	if len(bound) > 0 && len(columns) > 0 {
		per := maxParams / len(columns)
		if per < 1 {
			per = 1
		}
		for start := 0; start < len(bound); start += per {
			end := start + per
			if end > len(bound) {
				end = len(bound)
			}
			query, args := buildInsertSQL(name, columns, bound[start:end])
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return 0, err
			}
			n, _ := res.RowsAffected()
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}
	b.WriteString(";")
	return b.String(), args
}

// ReadTable reads every loader column of spec.
func (r *Repo) ReadTable(ctx context.Context, spec storage.TableSpec) (table.Table, error) {
	cols := spec.ColumnNames()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s;", joinIdentList(cols), tableIdent(spec)))
	if err != nil {
		return table.Table{}, fmt.Errorf("sqlite: read %s: %w", spec.QualifiedName(), err)
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
	q := fmt.Sprintf("SELECT MAX(%s) FROM %s;", sqlIdent(column), tableIdent(spec))
	if err := r.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return 0, false, fmt.Errorf("sqlite: max %s.%s: %w", spec.QualifiedName(), column, err)
	}
	return v.Int64, v.Valid, nil
}

func (r *Repo) DropIndexes(ctx context.Context, spec storage.TableSpec) error {
	stmts := make([]string, 0, len(spec.Indexes))
	for _, ix := range spec.Indexes {
		stmts = append(stmts, fmt.Sprintf("DROP INDEX IF EXISTS %s;", sqlIdent(ix.Name)))
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
	if _, err := r.db.ExecContext(ctx, "REINDEX "+tableIdent(spec)+";"); err != nil {
		return fmt.Errorf("sqlite: reindex %s: %w", spec.QualifiedName(), err)
	}
	return nil
}

func (r *Repo) DeleteInsertedOn(ctx context.Context, spec storage.TableSpec, day time.Time) (int64, error) {
	if spec.InsertionTimeColumn == "" {
		return 0, fmt.Errorf("sqlite: table %s has no insertion time column", spec.QualifiedName())
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	col := sqlIdent(spec.InsertionTimeColumn)
	q := fmt.Sprintf("DELETE FROM %s WHERE %s >= ? AND %s < ?;", tableIdent(spec), col, col)
	res, err := r.db.ExecContext(ctx, q, from.Format(timeLayout), to.Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge %s: %w", spec.QualifiedName(), err)
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

func joinIdentList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, sqlIdent(c))
	}
	return strings.Join(out, ", ")
}

var _ storage.Store = (*Repo)(nil)
