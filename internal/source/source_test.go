package source

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"testing"
)

type stubSource struct {
	files  []File
	opened []string
	closed bool
}

func (s *stubSource) Walk(context.Context, string) iter.Seq2[File, error] {
	return func(yield func(File, error) bool) {
		for _, f := range s.files {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (s *stubSource) Open(_ context.Context, path string) (io.ReadCloser, error) {
	s.opened = append(s.opened, path)
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (s *stubSource) Close() error { s.closed = true; return nil }

func TestScheme(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"s3://udacity-dend/song_data": "s3",
		"GS://bucket/x":               "gs",
		"file:///tmp/data":            "file",
		"data/song_data":              "file",
		"/abs/log_data":               "file",
	}
	for in, want := range tests {
		if got := Scheme(in); got != want {
			t.Fatalf("Scheme(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestSplitBucket(t *testing.T) {
	t.Parallel()

	b, p, err := SplitBucket("s3://udacity-dend/log_data/2018/11")
	if err != nil || b != "udacity-dend" || p != "log_data/2018/11" {
		t.Fatalf("got %q %q %v", b, p, err)
	}
	if b, p, err = SplitBucket("gs://only"); err != nil || b != "only" || p != "" {
		t.Fatalf("bucket-only: %q %q %v", b, p, err)
	}
	for _, bad := range []string{"plain/path", "s3:///nobucket"} {
		if _, _, err := SplitBucket(bad); err == nil {
			t.Fatalf("SplitBucket(%q) must fail", bad)
		}
	}
}

func TestIsJSON(t *testing.T) {
	t.Parallel()

	if !IsJSON("a/TRAABJL12903CDCF1A.json") || !IsJSON("x.JSON") || IsJSON("log_data/") || IsJSON("a.json.gz") {
		t.Fatalf("IsJSON mismatch")
	}
}

func TestRouter_DispatchesAndCaches(t *testing.T) {
	t.Parallel()

	stub := &stubSource{files: []File{{Path: "mem://a.json"}, {Path: "mem://b.json"}}}
	builds := 0
	r := &Router{
		backends: map[string]Source{},
		factory: func(scheme string) (Factory, bool) {
			if scheme != "mem" {
				return nil, false
			}
			return func(context.Context) (Source, error) { builds++; return stub, nil }, true
		},
	}

	ctx := context.Background()
	var got []string
	for f, err := range r.Walk(ctx, "mem://root") {
		if err != nil {
			t.Fatalf("Walk: %v", err)
		}
		got = append(got, f.Path)
	}
	if strings.Join(got, ",") != "mem://a.json,mem://b.json" {
		t.Fatalf("walk=%v", got)
	}
	if _, err := r.Open(ctx, "mem://a.json"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if builds != 1 {
		t.Fatalf("backend built %d times, want 1", builds)
	}

	for _, err := range r.Walk(ctx, "ftp://x") {
		if !errors.Is(err, ErrUnsupportedScheme) {
			t.Fatalf("err=%v, want ErrUnsupportedScheme", err)
		}
	}
	if _, err := r.Open(ctx, "ftp://x/a.json"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("Open err=%v", err)
	}

	if err := r.Close(); err != nil || !stub.closed {
		t.Fatalf("Close err=%v closed=%v", err, stub.closed)
	}
}

func TestRouter_WalkStopsEarly(t *testing.T) {
	t.Parallel()

	stub := &stubSource{files: []File{{Path: "a.json"}, {Path: "b.json"}, {Path: "c.json"}}}
	r := NewRouter().With("file", stub)

	n := 0
	for range r.Walk(context.Background(), "data") {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("n=%d", n)
	}
}

func TestRegister_Panics(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expected panic", name)
			}
		}()
		fn()
	}
	f := func(context.Context) (Source, error) { return &stubSource{}, nil }

	mustPanic("empty scheme", func() { Register(" ", f) })
	mustPanic("nil factory", func() { Register("x-nil", nil) })
	Register("x-dup", f)
	mustPanic("duplicate", func() { Register("x-dup", f) })
}
