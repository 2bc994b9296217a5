// Package mssql implements storage.Warehouse for Microsoft SQL Server.
//
// Conflict policies are rendered as MERGE; SQL Server has no ON CONFLICT and
// its VALUES source does not collapse duplicate keys, so rows are deduplicated
// by key before every statement.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"

	"sparkify/internal/etlerr"
	"sparkify/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameter limit.
const maxParams = 2000

func init() {
	storage.Register("mssql", New)
}

// dbConn is the subset of *sqlx.DB the warehouse uses.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	Close() error
}

type Warehouse struct {
	db dbConn
}

// New opens a "sqlserver://" DSN and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlserver", cfg.DSN)
	if err != nil {
		return nil, &etlerr.ConnectionError{Kind: "mssql", Err: err}
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)
	return &Warehouse{db: db}, nil
}

func (w *Warehouse) Close() {
	if w == nil || w.db == nil {
		return
	}
	_ = w.db.Close()
}

func (w *Warehouse) DropTables(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := w.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+mssqlTableIdent(name)+";"); err != nil {
			return etlerr.Statement("drop", name, err)
		}
	}
	return nil
}

func (w *Warehouse) CreateTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		stmt, err := buildCreateSQL(t)
		if err != nil {
			return etlerr.Statement("create", t.Name, err)
		}
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return etlerr.Statement("create", t.Name, err)
		}
	}
	return nil
}

func (w *Warehouse) InsertRows(ctx context.Context, t storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if cf := t.Load.Conflict; cf != nil {
		keyIdx, err := storage.IndexColumns(t.ColumnNames(), cf.TargetColumns)
		if err != nil {
			return 0, etlerr.Statement("insert", t.Name, err)
		}
		rows = storage.DedupeRows(rows, keyIdx)
	}

	var total int64
	for _, chunk := range storage.ChunkRows(rows, len(t.Columns), maxParams) {
		var stmt string
		var args []any
		if t.Load.Conflict == nil {
			stmt, args = buildBulkInsertSQL(t, chunk)
		} else {
			stmt, args = buildMergeSQL(t, chunk)
		}
		res, err := w.db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return total, etlerr.Statement("insert", t.Name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Query rebinds "?" to @pN and returns every row.
func (w *Warehouse) Query(ctx context.Context, stmt string, args ...any) ([][]any, error) {
	rows, err := w.db.QueryxContext(ctx, sqlx.Rebind(sqlx.AT, stmt), args...)
	if err != nil {
		return nil, etlerr.Statement("query", "", err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, etlerr.Statement("query", "", err)
		}
		for i := range vals {
			vals[i] = storage.NormalizeValue(vals[i])
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, etlerr.Statement("query", "", err)
	}
	return out, nil
}

// columnType maps portable types. Key columns get nvarchar(450) so they fit
// the 900-byte clustered index key limit.
func columnType(typ string, key bool) string {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case storage.TypeVarchar:
		if key {
			return "nvarchar(450)"
		}
		return "nvarchar(1024)"
	case storage.TypeInt:
		return "int"
	case storage.TypeBigint:
		return "bigint"
	case storage.TypeDouble:
		return "float"
	case storage.TypeTimestamp:
		// "timestamp" is rowversion in SQL Server.
		return "datetime2"
	default:
		return typ
	}
}

// buildCreateSQL renders CREATE TABLE inside an OBJECT_ID guard.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	keyed := map[string]bool{}
	for _, c := range t.Constraints {
		for _, col := range c.Columns {
			keyed[col] = true
		}
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if pk := t.PrimaryKey; pk != nil {
		defs = append(defs, fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)))
	}
	for _, c := range t.Columns {
		def := mssqlIdent(c.Name) + " " + columnType(c.Type, keyed[c.Name])
		if !c.IsNullable() {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	for _, c := range t.Constraints {
		kw := "UNIQUE"
		if c.Kind == storage.ConstraintPrimaryKey {
			kw = "PRIMARY KEY"
		}
		defs = append(defs, kw+" ("+identList("", c.Columns)+")")
	}
	return wrapCreateIfMissing(t.Name, strings.Join(defs, ", ")), nil
}

func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

func buildBulkInsertSQL(t storage.TableSpec, rows [][]any) (string, []any) {
	columns := t.ColumnNames()
	values, args := valuesList(rows, len(columns))
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s;", mssqlTableIdent(t.Name), identList("", columns), values), args
}

// buildMergeSQL renders
//
//	MERGE INTO [t] WITH (HOLDLOCK) AS t
//	USING (VALUES (@p1, ...), ...) AS v ([a], [b])
//	ON t.[k] = v.[k]
//	WHEN MATCHED THEN UPDATE SET t.[b] = v.[b]   -- do_update only
//	WHEN NOT MATCHED THEN INSERT ([a], [b]) VALUES (v.[a], v.[b]);
func buildMergeSQL(t storage.TableSpec, rows [][]any) (string, []any) {
	columns := t.ColumnNames()
	cf := t.Load.Conflict
	values, args := valuesList(rows, len(columns))

	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(t.Name))
	b.WriteString(" WITH (HOLDLOCK) AS t USING (VALUES ")
	b.WriteString(values)
	b.WriteString(") AS v (")
	b.WriteString(identList("", columns))
	b.WriteString(") ON ")
	for i, c := range cf.TargetColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t." + mssqlIdent(c) + " = v." + mssqlIdent(c))
	}

	if update := t.UpdateColumns(); cf.Action == storage.ActionDoUpdate && len(update) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range update {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("t." + mssqlIdent(c) + " = v." + mssqlIdent(c))
		}
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(identList("", columns))
	b.WriteString(") VALUES (")
	b.WriteString(identList("v.", columns))
	b.WriteString(");")
	return b.String(), args
}

func valuesList(rows [][]any, width int) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(rows)*width)
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < width; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, row[j])
			fmt.Fprintf(&b, "@p%d", len(args))
		}
		b.WriteString(")")
	}
	return b.String(), args
}

func identList(prefix string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = prefix + mssqlIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent quotes each part of a schema-qualified name:
// "dbo.songs" -> [dbo].[songs].
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

var _ storage.Warehouse = (*Warehouse)(nil)
