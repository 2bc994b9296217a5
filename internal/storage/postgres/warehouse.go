// Package postgres implements storage.Warehouse for Postgres and for Amazon
// Redshift, both over jackc/pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"sparkify/internal/etlerr"
	"sparkify/internal/storage"
)

func init() {
	storage.Register("postgres", NewPostgres)
	storage.Register("redshift", NewRedshift)
}

// pgConn is the subset of *pgxpool.Pool the warehouse uses.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Warehouse implements storage.Warehouse over a pgx pool.
type Warehouse struct {
	db      pgConn
	dialect dialect
}

// NewPostgres opens a pool against a Postgres DSN and pings it.
func NewPostgres(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	return open(ctx, cfg, dialectPostgres)
}

// NewRedshift opens a pool against a Redshift cluster endpoint.
func NewRedshift(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	return open(ctx, cfg, dialectRedshift)
}

func open(ctx context.Context, cfg storage.Config, d dialect) (storage.Warehouse, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &etlerr.ConnectionError{Kind: d.String(), Err: err}
	}
	if d == dialectRedshift {
		// Redshift rejects the prepared-statement cache pgx uses by default.
		pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, &etlerr.ConnectionError{Kind: d.String(), Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &etlerr.ConnectionError{Kind: d.String(), Err: err}
	}
	return &Warehouse{db: pool, dialect: d}, nil
}

// Close closes the connection pool.
func (w *Warehouse) Close() {
	w.db.Close()
}

// DropTables issues DROP TABLE IF EXISTS for each name in order.
func (w *Warehouse) DropTables(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := w.db.Exec(ctx, buildDropSQL(name)); err != nil {
			return etlerr.Statement("drop", name, err)
		}
	}
	return nil
}

// CreateTables issues CREATE TABLE IF NOT EXISTS for each spec in order.
func (w *Warehouse) CreateTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		stmt, err := buildCreateSQL(w.dialect, t)
		if err != nil {
			return etlerr.Statement("create", t.Name, err)
		}
		if _, err := w.db.Exec(ctx, stmt); err != nil {
			return etlerr.Statement("create", t.Name, err)
		}
	}
	return nil
}

// InsertRows writes rows honouring t.Load.Conflict.
//
// Postgres renders the policy as ON CONFLICT. Redshift uses
// INSERT ... SELECT ... WHERE NOT EXISTS for do_nothing and a transactional
// DELETE + INSERT for do_update.
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
		n, err := w.insertChunk(ctx, t, chunk)
		total += n
		if err != nil {
			return total, etlerr.Statement("insert", t.Name, err)
		}
	}
	return total, nil
}

func (w *Warehouse) insertChunk(ctx context.Context, t storage.TableSpec, rows [][]any) (int64, error) {
	cf := t.Load.Conflict
	if w.dialect == dialectPostgres || cf == nil {
		stmt, args := buildInsertSQL(t, rows, w.dialect == dialectPostgres)
		tag, err := w.db.Exec(ctx, stmt, args...)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}

	if cf.Action == storage.ActionDoNothing {
		stmt, args, err := buildInsertIfAbsentSQL(w.dialect, t, rows)
		if err != nil {
			return 0, err
		}
		tag, err := w.db.Exec(ctx, stmt, args...)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}

	return w.replaceRows(ctx, t, rows)
}

// replaceRows is the Redshift upsert: delete existing keys, then insert, in
// one transaction.
func (w *Warehouse) replaceRows(ctx context.Context, t storage.TableSpec, rows [][]any) (int64, error) {
	delSQL, delArgs, err := buildDeleteByKeySQL(t, rows)
	if err != nil {
		return 0, err
	}
	insSQL, insArgs := buildInsertSQL(t, rows, false)

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, delSQL, delArgs...); err != nil {
		return 0, fmt.Errorf("delete existing keys: %w", err)
	}
	tag, err := tx.Exec(ctx, insSQL, insArgs...)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Query rebinds "?" placeholders to $n and returns every row.
func (w *Warehouse) Query(ctx context.Context, stmt string, args ...any) ([][]any, error) {
	rows, err := w.db.Query(ctx, sqlx.Rebind(sqlx.DOLLAR, stmt), args...)
	if err != nil {
		return nil, etlerr.Statement("query", "", err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
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

// CopyJSON loads c.From into c.Table with Redshift COPY. Postgres has no
// S3 loader, so it fails there.
func (w *Warehouse) CopyJSON(ctx context.Context, c storage.S3Copy) (int64, error) {
	if w.dialect != dialectRedshift {
		return 0, etlerr.Statement("copy", c.Table, fmt.Errorf("COPY from S3 needs redshift, not %s", w.dialect))
	}
	stmt, err := buildCopySQL(c)
	if err != nil {
		return 0, etlerr.Statement("copy", c.Table, err)
	}
	tag, err := w.db.Exec(ctx, stmt)
	if err != nil {
		return 0, etlerr.Statement("copy", c.Table, err)
	}
	return tag.RowsAffected(), nil
}

// Exec runs stmt as is.
func (w *Warehouse) Exec(ctx context.Context, stmt string) (int64, error) {
	tag, err := w.db.Exec(ctx, stmt)
	if err != nil {
		return 0, etlerr.Statement("exec", "", err)
	}
	return tag.RowsAffected(), nil
}

var (
	_ storage.Warehouse  = (*Warehouse)(nil)
	_ storage.BulkLoader = (*Warehouse)(nil)
)
