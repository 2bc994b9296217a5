package loader

import (
	"context"
	"errors"
	"strings"
	"testing"

	"sparkify/internal/catalog"
	"sparkify/internal/config"
	"sparkify/internal/source"
	"sparkify/internal/storage"
)

// bulkWarehouse records every call a CopyEngine makes.
type bulkWarehouse struct {
	calls  []string
	copies []storage.S3Copy
	execs  []string
	counts [][]any
	execN  int64
	failAt int // 1-based Exec call that fails; 0 never
	closed bool
}

func (w *bulkWarehouse) Close() { w.closed = true }

func (w *bulkWarehouse) DropTables(_ context.Context, names []string) error {
	w.calls = append(w.calls, "drop "+strings.Join(names, ","))
	return nil
}

func (w *bulkWarehouse) CreateTables(_ context.Context, tables []storage.TableSpec) error {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	w.calls = append(w.calls, "create "+strings.Join(names, ","))
	return nil
}

func (w *bulkWarehouse) InsertRows(context.Context, storage.TableSpec, [][]any) (int64, error) {
	return 0, errors.New("copy mode must not insert row by row")
}

func (w *bulkWarehouse) Query(context.Context, string, ...any) ([][]any, error) {
	w.calls = append(w.calls, "query")
	return w.counts, nil
}

func (w *bulkWarehouse) CopyJSON(_ context.Context, c storage.S3Copy) (int64, error) {
	w.calls = append(w.calls, "copy "+c.Table)
	w.copies = append(w.copies, c)
	return 3, nil
}

func (w *bulkWarehouse) Exec(_ context.Context, stmt string) (int64, error) {
	w.execs = append(w.execs, stmt)
	if w.failAt == len(w.execs) {
		return 0, errors.New("invalid digit")
	}
	return w.execN, nil
}

func copyOptions() CopyOptions {
	return CopyOptions{
		SongData:    "s3://udacity-dend/song_data",
		LogData:     "s3://udacity-dend/log_data",
		LogJSONPath: "s3://udacity-dend/log_json_path.json",
		IAMRole:     "arn:aws:iam::1:role/dwhRole",
		Region:      "us-west-2",
	}
}

func TestCopyEngine_StagesThenTransforms(t *testing.T) {
	t.Parallel()

	wh := &bulkWarehouse{execN: 2, counts: [][]any{{int64(5), int64(4)}}}
	sum, err := (&CopyEngine{Warehouse: wh, Options: copyOptions()}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"drop staging_events,staging_songs",
		"create staging_events,staging_songs",
		"copy staging_songs",
		"copy staging_events",
		"query",
		"drop staging_events,staging_songs",
	}
	if strings.Join(wh.calls, "|") != strings.Join(want, "|") {
		t.Fatalf("calls=%v\nwant %v", wh.calls, want)
	}
	if wh.copies[0].JSONPath != "" || wh.copies[1].JSONPath != "s3://udacity-dend/log_json_path.json" {
		t.Fatalf("only the logs use jsonpaths: %+v", wh.copies)
	}
	for _, c := range wh.copies {
		if c.IAMRole != "arn:aws:iam::1:role/dwhRole" || c.Region != "us-west-2" {
			t.Fatalf("copy=%+v", c)
		}
	}

	transforms := catalog.CopyTransforms(catalog.LengthTolerance)
	if len(wh.execs) != len(transforms) {
		t.Fatalf("execs=%d, want %d", len(wh.execs), len(transforms))
	}
	for i, tr := range transforms {
		if wh.execs[i] != tr.SQL {
			t.Fatalf("exec %d is not the %s %s transform", i, tr.Op, tr.Table)
		}
	}

	if sum.Songs != 3 || sum.Events != 5 || sum.Skipped != 4 {
		t.Fatalf("summary=%+v", sum)
	}
	// The users delete is not counted as written rows.
	if sum.Rows[catalog.Users] != 2 || sum.Rows[catalog.Songplays] != 2 || len(sum.Rows) != 5 {
		t.Fatalf("rows=%v", sum.Rows)
	}
}

func TestCopyEngine_TransformFailureKeepsStaging(t *testing.T) {
	t.Parallel()

	wh := &bulkWarehouse{failAt: 6}
	_, err := (&CopyEngine{Warehouse: wh, Options: copyOptions()}).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insert songplays") || !strings.Contains(err.Error(), "invalid digit") {
		t.Fatalf("err=%v", err)
	}
	if last := wh.calls[len(wh.calls)-1]; last != "copy staging_events" {
		t.Fatalf("staging must be left for inspection; last call %q", last)
	}
}

func TestCopyEngine_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := (&CopyEngine{Warehouse: f.wh, Options: copyOptions()}).Run(f.ctx); err == nil || !strings.Contains(err.Error(), "COPY") {
		t.Fatalf("sqlite warehouse: err=%v", err)
	}

	opts := copyOptions()
	opts.IAMRole = ""
	if _, err := (&CopyEngine{Warehouse: &bulkWarehouse{}, Options: opts}).Run(context.Background()); err == nil {
		t.Fatalf("expected error without an IAM role")
	}
	if _, err := (&CopyEngine{}).Run(context.Background()); err == nil {
		t.Fatalf("expected error without a warehouse")
	}
}

func TestRunner_CopyModeSkipsSource(t *testing.T) {
	t.Parallel()

	wh := &bulkWarehouse{execN: 1, counts: [][]any{{nil, nil}}}
	r := &Runner{
		OpenWarehouse: func(context.Context, storage.Config) (storage.Warehouse, error) { return wh, nil },
		NewSource:     func() source.Source { t.Fatalf("copy mode must not read files"); return nil },
	}
	cfg := config.Config{
		IAMRole: config.IAMRole{ARN: "arn:aws:iam::1:role/dwhRole"},
		S3:      config.S3{SongData: "s3://b/song_data", LogData: "s3://b/log_data", Region: "us-west-2"},
		ETL:     config.ETL{Mode: config.ModeCopy, LengthTolerance: 0.5},
	}
	sum, err := r.Load(context.Background(), cfg, func(string) { t.Fatalf("no per-file callbacks in copy mode") })
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sum.Events != 0 || sum.Rows[catalog.Songplays] != 1 || !wh.closed {
		t.Fatalf("summary=%+v closed=%v", sum, wh.closed)
	}
	if !strings.Contains(wh.execs[len(wh.execs)-1], "<= 0.5") {
		t.Fatalf("tolerance not applied: %s", wh.execs[len(wh.execs)-1])
	}
}
