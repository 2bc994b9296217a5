// Package sqlite implements storage.Warehouse on modernc.org/sqlite (pure Go,
// no cgo). It backs local runs and the end-to-end loader tests.
package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"sparkify/internal/etlerr"
	"sparkify/internal/storage"
)

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER (32766).
const maxParams = 32000

func init() {
	storage.Register("sqlite", New)
}

// Warehouse implements storage.Warehouse for SQLite.
//
// SQLite has no native timestamp type. Timestamps are written as UTC
// RFC3339Nano text and parsed back by Query for columns declared TIMESTAMP.
type Warehouse struct {
	db *sqlx.DB
}

// New opens cfg.DSN (a file path, "file:..." URI or ":memory:").
func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, &etlerr.ConnectionError{Kind: "sqlite", Err: fmt.Errorf("empty dsn")}
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, &etlerr.ConnectionError{Kind: "sqlite", Err: err}
	}
	// One writer, and every statement must see the same :memory: database.
	db.SetMaxOpenConns(1)
	return &Warehouse{db: db}, nil
}

func (w *Warehouse) Close() { _ = w.db.Close() }

func (w *Warehouse) DropTables(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := w.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(name)+";"); err != nil {
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

// InsertRows uses INSERT OR IGNORE for do_nothing and
// INSERT ... ON CONFLICT DO UPDATE for do_update.
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
		stmt, args := buildInsertSQL(t, chunk)
		res, err := w.db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return total, etlerr.Statement("insert", t.Name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Query runs stmt with "?" placeholders and returns every row.
func (w *Warehouse) Query(ctx context.Context, stmt string, args ...any) ([][]any, error) {
	rows, err := w.db.QueryxContext(ctx, w.db.Rebind(stmt), bindArgs(args)...)
	if err != nil {
		return nil, etlerr.Statement("query", "", err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, etlerr.Statement("query", "", err)
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, etlerr.Statement("query", "", err)
		}
		for i, v := range vals {
			vals[i] = scanValue(types[i].DatabaseTypeName(), v)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, etlerr.Statement("query", "", err)
	}
	return out, nil
}

func scanValue(declType string, v any) any {
	v = storage.NormalizeValue(v)
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		if strings.EqualFold(declType, "TIMESTAMP") {
			if ts, err := parseSQLiteTime(t); err == nil {
				return ts
			}
		}
	}
	return v
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func columnType(typ string) string {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case storage.TypeVarchar:
		return "TEXT"
	case storage.TypeInt, storage.TypeBigint:
		return "INTEGER"
	case storage.TypeDouble:
		return "REAL"
	case storage.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return typ
	}
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if pk := t.PrimaryKey; pk != nil {
		// AUTOINCREMENT only works on INTEGER PRIMARY KEY.
		defs = append(defs, sqlIdent(pk.Name)+" INTEGER PRIMARY KEY AUTOINCREMENT")
	}
	for _, c := range t.Columns {
		def := sqlIdent(c.Name) + " " + columnType(c.Type)
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
		defs = append(defs, kw+" ("+joinIdentList(c.Columns)+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", sqlIdent(t.Name), strings.Join(defs, ", ")), nil
}

func buildInsertSQL(t storage.TableSpec, rows [][]any) (string, []any) {
	columns := t.ColumnNames()
	cf := t.Load.Conflict

	var b strings.Builder
	if cf != nil && cf.Action == storage.ActionDoNothing {
		b.WriteString("INSERT OR IGNORE INTO ")
	} else {
		b.WriteString("INSERT INTO ")
	}
	b.WriteString(sqlIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	ph := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ph)
		args = append(args, bindArgs(row[:len(columns)])...)
	}

	if cf != nil && cf.Action == storage.ActionDoUpdate {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdentList(cf.TargetColumns))
		b.WriteString(")")
		update := t.UpdateColumns()
		if len(update) == 0 {
			b.WriteString(" DO NOTHING")
		} else {
			b.WriteString(" DO UPDATE SET ")
			for i, c := range update {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(sqlIdent(c) + " = excluded." + sqlIdent(c))
			}
		}
	}
	b.WriteString(";")
	return b.String(), args
}

// bindArgs formats time.Time values as UTC RFC3339Nano text so equal instants
// always produce equal keys.
func bindArgs(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		if ts, ok := v.(time.Time); ok {
			out[i] = formatSQLiteTime(ts)
			continue
		}
		out[i] = v
	}
	return out
}

func joinIdentList(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = sqlIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime accepts what we write (RFC3339Nano) plus the space-separated
// forms other SQLite tools produce. Zone-less values are UTC.
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
	} {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

var _ storage.Warehouse = (*Warehouse)(nil)
