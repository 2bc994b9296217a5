package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sparkify/internal/cli"
	"sparkify/internal/config"
	"sparkify/internal/etlerr"
	"sparkify/internal/loader"
	"sparkify/internal/logging"
)

// fakeRunner reports a fixed summary and calls onFile once per listed path.
type fakeRunner struct {
	files []string
	sum   loader.Summary
	err   error
	loads int
}

func (r *fakeRunner) Reset(context.Context, config.Config) error { return nil }

func (r *fakeRunner) Load(_ context.Context, _ config.Config, onFile func(string)) (loader.Summary, error) {
	r.loads++
	for _, f := range r.files {
		onFile(f)
	}
	return r.sum, r.err
}

func fakeDeps(t *testing.T, fr *fakeRunner) cli.Deps {
	t.Helper()
	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	cfg.Storage = config.Storage{Kind: "sqlite", DSN: ":memory:"}
	return cli.Deps{
		LoadConfig:  func(string) (config.Config, error) { return cfg, nil },
		NewLogger:   func(string, string) (*logging.Logger, error) { return logging.Nop(), nil },
		NewRunner:   func(*logging.Logger) cli.Runner { return fr },
		InitMetrics: func(context.Context, config.Config, string) (func(), error) { return func() {}, nil },
		NewRunID:    func() string { return "run" },
	}
}

func TestRun_PrintsSummary(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{
		files: []string{"/d/a.json", "/d/b.json"},
		sum: loader.Summary{
			Files: 2, Songs: 1, Events: 3, Skipped: 1,
			Rows:    map[string]int64{"songplays": 3},
			Lookups: loader.LookupStats{Hits: 1, Misses: 2},
			Bytes:   2048,
		},
	}
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--progress"}, &stdout, &stderr, fakeDeps(t, fr))
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"files=2", "events=3", "songplays=3", "unmatched=2", "read=2.0 kB"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout=%q, want contains %q", out, want)
		}
	}
	if fr.loads != 1 {
		t.Fatalf("loads=%d", fr.loads)
	}
}

func TestRun_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		err      error
		wantCode int
	}{
		{name: "positional_arg", args: []string{"now"}, wantCode: 2},
		{name: "malformed_strict", err: &etlerr.MalformedRecordError{Source: "a.json", Line: 3, Field: "ts", Err: etlerr.ErrWrongType}, wantCode: 1},
		{name: "statement", err: etlerr.Statement("insert", "songplays", errors.New("disk full")), wantCode: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fr := &fakeRunner{err: tc.err}
			var stdout, stderr bytes.Buffer
			if code := run(context.Background(), tc.args, &stdout, &stderr, fakeDeps(t, fr)); code != tc.wantCode {
				t.Fatalf("code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

// End to end: sqlite file warehouse, local JSON inputs, real config file.
func TestRun_EndToEndSQLite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	songs := filepath.Join(dir, "song_data", "A", "B")
	logs := filepath.Join(dir, "log_data", "2018", "11")
	for _, d := range []string{songs, logs} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	mustWrite(t, filepath.Join(songs, "TRAAAAW128F429D538.json"),
		`{"num_songs": 1, "artist_id": "ARD7TVE1187B99BFB1", "artist_latitude": null, "artist_longitude": null, "artist_location": "California - LA", "artist_name": "Casual", "song_id": "SOMZWCG12A8C13C480", "title": "I Didn't Mean To", "duration": 218.93179, "year": 0}`)
	mustWrite(t, filepath.Join(logs, "2018-11-01-events.json"), strings.Join([]string{
		`{"artist":null,"auth":"Logged In","firstName":"Walter","gender":"M","itemInSession":0,"lastName":"Frye","length":null,"level":"free","location":"San Francisco-Oakland-Hayward, CA","method":"GET","page":"Home","registration":1540919166796.0,"sessionId":38,"song":null,"status":200,"ts":1541105830796,"userAgent":"Mozilla","userId":"39"}`,
		`{"artist":"Casual","auth":"Logged In","firstName":"Walter","gender":"M","itemInSession":1,"lastName":"Frye","length":218.93179,"level":"free","location":"San Francisco-Oakland-Hayward, CA","method":"PUT","page":"NextSong","registration":1540919166796.0,"sessionId":38,"song":"I Didn't Mean To","status":200,"ts":1541106106796,"userAgent":"Mozilla","userId":"39"}`,
		`{"artist":"Des'ree","auth":"Logged In","firstName":"Kaylee","gender":"F","itemInSession":1,"lastName":"Summers","length":246.30812,"level":"free","location":"Phoenix-Mesa-Scottsdale, AZ","method":"PUT","page":"NextSong","registration":1540344794796.0,"sessionId":139,"song":"You Gotta Be","status":200,"ts":1541106106796,"userAgent":"Mozilla","userId":"8"}`,
	}, "\n"))

	cfgPath := filepath.Join(dir, "dwh.toml")
	mustWrite(t, cfgPath, `
[S3]
SONG_DATA = "`+filepath.ToSlash(filepath.Join(dir, "song_data"))+`"
LOG_DATA = "`+filepath.ToSlash(filepath.Join(dir, "log_data"))+`"

[STORAGE]
KIND = "sqlite"
DSN = "`+filepath.ToSlash(filepath.Join(dir, "dwh.db"))+`"

[LOG]
LEVEL = "error"
`)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := loader.NewDefaultRunner(nil).Reset(context.Background(), cfg); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", cfgPath}, &stdout, &stderr, cli.DefaultDeps())
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"files=2", "songs=1", "events=2", "skipped=1", "songplays=2", "unmatched=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout=%q, want contains %q", out, want)
		}
	}
}

func mustWrite(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
