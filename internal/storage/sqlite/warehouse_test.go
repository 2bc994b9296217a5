package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sparkify/internal/etlerr"
	"sparkify/internal/storage"
)

func boolPtr(v bool) *bool { return &v }

var (
	usersSpec = storage.TableSpec{
		Name: "users",
		Columns: []storage.ColumnSpec{
			{Name: "user_id", Type: storage.TypeInt, Nullable: boolPtr(false)},
			{Name: "level", Type: storage.TypeVarchar},
		},
		Constraints: []storage.ConstraintSpec{{Kind: storage.ConstraintPrimaryKey, Columns: []string{"user_id"}}},
		Load: storage.LoadSpec{
			Kind:     storage.LoadDimension,
			Conflict: &storage.ConflictSpec{TargetColumns: []string{"user_id"}, Action: storage.ActionDoUpdate},
		},
	}
	timeSpec = storage.TableSpec{
		Name: "time",
		Columns: []storage.ColumnSpec{
			{Name: "start_time", Type: storage.TypeTimestamp, Nullable: boolPtr(false)},
			{Name: "hour", Type: storage.TypeInt},
		},
		Constraints: []storage.ConstraintSpec{{Kind: storage.ConstraintPrimaryKey, Columns: []string{"start_time"}}},
		Load: storage.LoadSpec{
			Kind:     storage.LoadDimension,
			Conflict: &storage.ConflictSpec{TargetColumns: []string{"start_time"}, Action: storage.ActionDoNothing},
		},
	}
	playsSpec = storage.TableSpec{
		Name:       "songplays",
		PrimaryKey: &storage.PrimaryKeySpec{Name: "songplay_id", Type: storage.TypeSerial},
		Columns: []storage.ColumnSpec{
			{Name: "user_id", Type: storage.TypeInt, Nullable: boolPtr(false)},
			{Name: "song_id", Type: storage.TypeVarchar},
		},
		Load: storage.LoadSpec{Kind: storage.LoadFact},
	}
)

func openMem(t *testing.T) *Warehouse {
	t.Helper()
	wh, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(wh.Close)
	return wh.(*Warehouse)
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	got, err := buildCreateSQL(playsSpec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	want := `CREATE TABLE IF NOT EXISTS "songplays" ("songplay_id" INTEGER PRIMARY KEY AUTOINCREMENT, "user_id" INTEGER NOT NULL, "song_id" TEXT);`
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}

	got, err = buildCreateSQL(timeSpec)
	if err != nil {
		t.Fatalf("buildCreateSQL(time): %v", err)
	}
	if !strings.Contains(got, `"start_time" TIMESTAMP NOT NULL`) || !strings.Contains(got, `PRIMARY KEY ("start_time")`) {
		t.Fatalf("time DDL: %s", got)
	}
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	sql, args := buildInsertSQL(usersSpec, [][]any{{int64(1), "free"}, {int64(2), "paid"}})
	want := `INSERT INTO "users" ("user_id", "level") VALUES (?, ?), (?, ?) ON CONFLICT ("user_id") DO UPDATE SET "level" = excluded."level";`
	if sql != want || len(args) != 4 {
		t.Fatalf("got %s args=%v", sql, args)
	}

	ts := time.Date(2018, 11, 1, 21, 1, 46, 796000000, time.UTC)
	sql, args = buildInsertSQL(timeSpec, [][]any{{ts, 21}})
	if !strings.HasPrefix(sql, `INSERT OR IGNORE INTO "time"`) {
		t.Fatalf("got %s", sql)
	}
	if args[0] != "2018-11-01T21:01:46.796Z" {
		t.Fatalf("time arg=%v", args[0])
	}
}

func TestWarehouse_ConflictPolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wh := openMem(t)

	if err := wh.DropTables(ctx, []string{"songplays", "users", "time"}); err != nil {
		t.Fatalf("DropTables on empty db: %v", err)
	}
	if err := wh.CreateTables(ctx, []storage.TableSpec{usersSpec, timeSpec, playsSpec}); err != nil {
		t.Fatalf("CreateTables: %v", err)
	}
	if err := wh.CreateTables(ctx, []storage.TableSpec{usersSpec}); err != nil {
		t.Fatalf("CreateTables must be idempotent: %v", err)
	}

	if _, err := wh.InsertRows(ctx, usersSpec, [][]any{{int64(7), "free"}, {int64(7), "paid"}}); err != nil {
		t.Fatalf("InsertRows(users): %v", err)
	}
	if _, err := wh.InsertRows(ctx, usersSpec, [][]any{{int64(8), "free"}}); err != nil {
		t.Fatalf("InsertRows(users): %v", err)
	}

	rows, err := wh.Query(ctx, "SELECT user_id, level FROM users WHERE user_id = ?", 7)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 || rows[0][1] != "paid" {
		t.Fatalf("upsert must keep the last level; rows=%v", rows)
	}

	ts := time.Date(2018, 11, 1, 21, 1, 46, 796000000, time.UTC)
	n1, err := wh.InsertRows(ctx, timeSpec, [][]any{{ts, 21}})
	if err != nil {
		t.Fatalf("InsertRows(time): %v", err)
	}
	n2, err := wh.InsertRows(ctx, timeSpec, [][]any{{ts.In(time.FixedZone("x", 3600)), 21}})
	if err != nil {
		t.Fatalf("InsertRows(time) again: %v", err)
	}
	if n1 != 1 || n2 != 0 {
		t.Fatalf("insert-or-ignore: n1=%d n2=%d", n1, n2)
	}

	rows, err = wh.Query(ctx, `SELECT start_time FROM "time"`)
	if err != nil {
		t.Fatalf("Query(time): %v", err)
	}
	got, ok := rows[0][0].(time.Time)
	if !ok || !got.Equal(ts) {
		t.Fatalf("timestamp round trip: %#v", rows[0][0])
	}

	for i := 0; i < 2; i++ {
		if _, err := wh.InsertRows(ctx, playsSpec, [][]any{{int64(7), nil}}); err != nil {
			t.Fatalf("InsertRows(songplays): %v", err)
		}
	}
	rows, err = wh.Query(ctx, "SELECT songplay_id, song_id FROM songplays ORDER BY songplay_id")
	if err != nil {
		t.Fatalf("Query(songplays): %v", err)
	}
	if len(rows) != 2 || rows[0][0] != int64(1) || rows[1][0] != int64(2) || rows[0][1] != nil {
		t.Fatalf("songplays=%v", rows)
	}
}

func TestWarehouse_ErrorsAreStatementErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wh := openMem(t)

	_, err := wh.InsertRows(ctx, usersSpec, [][]any{{int64(1), "free"}})
	var se *etlerr.StatementExecutionError
	if !errors.As(err, &se) || se.Op != "insert" || se.Table != "users" {
		t.Fatalf("insert into missing table: %v", err)
	}

	_, err = wh.Query(ctx, "SELECT * FROM nope")
	if !errors.As(err, &se) || se.Op != "query" {
		t.Fatalf("query missing table: %v", err)
	}

	if _, err := New(ctx, storage.Config{Kind: "sqlite"}); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestParseSQLiteTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 1, 27, 12, 17, 8, 0, time.UTC)
	for _, in := range []string{
		"2026-01-27T12:17:08Z",
		"2026-01-27T13:17:08+01:00",
		"2026-01-27 12:17:08+00:00",
		"2026-01-27 12:17:08.000000000+00:00",
		"2026-01-27 12:17:08",
	} {
		got, err := parseSQLiteTime(in)
		if err != nil || !got.Equal(want) {
			t.Fatalf("parseSQLiteTime(%q)=%v, %v", in, got, err)
		}
	}
	if _, err := parseSQLiteTime("not-a-time"); err == nil {
		t.Fatalf("expected error")
	}
}
