package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"

	"sparkify/internal/etlerr"
	"sparkify/internal/storage"
)

func boolPtr(v bool) *bool { return &v }

func songsSpec() storage.TableSpec {
	return storage.TableSpec{
		Name: "songs",
		Columns: []storage.ColumnSpec{
			{Name: "song_id", Type: storage.TypeVarchar, Nullable: boolPtr(false)},
			{Name: "title", Type: storage.TypeVarchar, Nullable: boolPtr(false)},
			{Name: "duration", Type: storage.TypeDouble},
		},
		Constraints: []storage.ConstraintSpec{{Kind: storage.ConstraintPrimaryKey, Columns: []string{"song_id"}}},
		Load: storage.LoadSpec{
			Kind:     storage.LoadDimension,
			Conflict: &storage.ConflictSpec{TargetColumns: []string{"song_id"}, Action: storage.ActionDoNothing},
		},
	}
}

func TestBuildCreateSQL_TypeMappingAndGuard(t *testing.T) {
	t.Parallel()

	got, err := buildCreateSQL(songsSpec())
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	want := "IF OBJECT_ID(N'songs', N'U') IS NULL BEGIN CREATE TABLE [songs] (" +
		"[song_id] nvarchar(450) NOT NULL, [title] nvarchar(1024) NOT NULL, [duration] float, PRIMARY KEY ([song_id])); END;"
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}

	plays := storage.TableSpec{
		Name:       "songplays",
		PrimaryKey: &storage.PrimaryKeySpec{Name: "songplay_id", Type: storage.TypeSerial},
		Columns:    []storage.ColumnSpec{{Name: "start_time", Type: storage.TypeTimestamp, Nullable: boolPtr(false)}},
		Load:       storage.LoadSpec{Kind: storage.LoadFact},
	}
	got, err = buildCreateSQL(plays)
	if err != nil {
		t.Fatalf("buildCreateSQL(songplays): %v", err)
	}
	if !strings.Contains(got, "[songplay_id] BIGINT IDENTITY(1,1) PRIMARY KEY, [start_time] datetime2 NOT NULL") {
		t.Fatalf("songplays DDL: %s", got)
	}
}

func TestBuildMergeSQL(t *testing.T) {
	t.Parallel()

	rows := [][]any{{"S1", "Song", 200.5}, {"S2", "Other", 10.0}}

	stmt, args := buildMergeSQL(songsSpec(), rows)
	want := "MERGE INTO [songs] WITH (HOLDLOCK) AS t USING (VALUES (@p1, @p2, @p3), (@p4, @p5, @p6)) AS v ([song_id], [title], [duration])" +
		" ON t.[song_id] = v.[song_id]" +
		" WHEN NOT MATCHED THEN INSERT ([song_id], [title], [duration]) VALUES (v.[song_id], v.[title], v.[duration]);"
	if stmt != want {
		t.Fatalf("got  %s\nwant %s", stmt, want)
	}
	if len(args) != 6 || args[3] != "S2" {
		t.Fatalf("args=%v", args)
	}

	upsert := songsSpec()
	upsert.Load.Conflict.Action = storage.ActionDoUpdate
	stmt, _ = buildMergeSQL(upsert, rows)
	if !strings.Contains(stmt, "WHEN MATCHED THEN UPDATE SET t.[title] = v.[title], t.[duration] = v.[duration] WHEN NOT MATCHED") {
		t.Fatalf("upsert merge: %s", stmt)
	}
}

func TestBuildBulkInsertSQL(t *testing.T) {
	t.Parallel()

	s := songsSpec()
	s.Load.Conflict = nil
	stmt, args := buildBulkInsertSQL(s, [][]any{{"S1", "Song", 1.0}})
	if stmt != "INSERT INTO [songs] ([song_id], [title], [duration]) VALUES (@p1, @p2, @p3);" || len(args) != 3 {
		t.Fatalf("got %s args=%v", stmt, args)
	}
}

func TestIdentQuoting(t *testing.T) {
	t.Parallel()

	if got := mssqlIdent("a]b"); got != "[a]]b]" {
		t.Fatalf("mssqlIdent=%s", got)
	}
	if got := mssqlTableIdent("dbo.songs"); got != "[dbo].[songs]" {
		t.Fatalf("mssqlTableIdent=%s", got)
	}
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeDB struct {
	stmts []string
	args  [][]any
	err   error
}

func (f *fakeDB) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	f.stmts = append(f.stmts, q)
	f.args = append(f.args, args)
	if f.err != nil {
		return nil, f.err
	}
	return fakeResult(len(args) / 3), nil
}

func (f *fakeDB) QueryxContext(context.Context, string, ...any) (*sqlx.Rows, error) {
	return nil, errors.New("query refused")
}

func (f *fakeDB) Close() error { return nil }

func TestWarehouse_InsertRowsChunksAndDedupes(t *testing.T) {
	t.Parallel()

	fdb := &fakeDB{}
	w := &Warehouse{db: fdb}

	rows := make([][]any, 0, 1001)
	for i := 0; i < 1000; i++ {
		rows = append(rows, []any{fmt.Sprintf("S%04d", i), "t", 1.0})
	}
	rows = append(rows, rows[0])

	n, err := w.InsertRows(context.Background(), songsSpec(), rows)
	if err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	if len(fdb.stmts) < 2 {
		t.Fatalf("expected chunked statements, got %d", len(fdb.stmts))
	}
	var params int
	for _, a := range fdb.args {
		if len(a) > maxParams {
			t.Fatalf("chunk binds %d params", len(a))
		}
		params += len(a)
	}
	if int64(params/3) != n {
		t.Fatalf("affected=%d, params/3=%d", n, params/3)
	}
	if params/3 != 1000 {
		t.Fatalf("duplicate key was not removed before MERGE")
	}
}

func TestWarehouse_ErrorsAreStatementErrors(t *testing.T) {
	t.Parallel()

	fdb := &fakeDB{err: errors.New("login failed")}
	w := &Warehouse{db: fdb}

	var se *etlerr.StatementExecutionError
	if err := w.DropTables(context.Background(), []string{"songs"}); !errors.As(err, &se) || se.Op != "drop" {
		t.Fatalf("DropTables err=%v", err)
	}
	if _, err := w.InsertRows(context.Background(), songsSpec(), [][]any{{"S1", "t", 1.0}}); !errors.As(err, &se) || se.Op != "insert" {
		t.Fatalf("InsertRows err=%v", err)
	}
	if _, err := w.Query(context.Background(), "SELECT 1 WHERE 1 = ?", 1); !errors.As(err, &se) || se.Op != "query" {
		t.Fatalf("Query err=%v", err)
	}
}
