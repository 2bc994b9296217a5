package loader

import (
	"context"
	"errors"
	"testing"

	"sparkify/internal/config"
	"sparkify/internal/source"
	"sparkify/internal/source/local"
	"sparkify/internal/storage"
)

// keepOpen shares one in-memory database across Runner calls.
type keepOpen struct {
	storage.Warehouse
	closed int
}

func (k *keepOpen) Close() { k.closed++ }

func TestRunner_ResetThenLoad(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write(t, songRoot+"/a.json", songFile("S1", "Tune", "A1", "Band", 200.5))
	f.write(t, logRoot+"/e.json", event("NextSong", 1541121934796, "39", "free", "Tune", "Band", 200.5))

	wh := &keepOpen{Warehouse: f.wh}
	var got []storage.Config
	r := &Runner{
		OpenWarehouse: func(_ context.Context, cfg storage.Config) (storage.Warehouse, error) {
			got = append(got, cfg)
			return wh, nil
		},
		NewSource: func() source.Source { return local.New(f.fs) },
	}

	cfg := config.Config{
		Storage: config.Storage{Kind: "sqlite", DSN: ":memory:"},
		S3:      config.S3{SongData: songRoot, LogData: logRoot},
		ETL:     config.ETL{BatchSize: 2, Policy: "strict"},
	}
	if err := r.Reset(f.ctx, cfg); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	sum, err := r.Load(f.ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sum.Lookups.Hits != 1 || sum.Rows["songplays"] != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	if wh.closed != 2 {
		t.Fatalf("warehouse closed %d times, want 2", wh.closed)
	}
	if len(got) != 2 || got[0] != (storage.Config{Kind: "sqlite", DSN: ":memory:"}) {
		t.Fatalf("OpenWarehouse configs=%v", got)
	}
}

func TestRunner_OpenFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("refused")
	r := &Runner{
		OpenWarehouse: func(context.Context, storage.Config) (storage.Warehouse, error) { return nil, boom },
		NewSource:     func() source.Source { t.Fatalf("source built after open failure"); return nil },
	}
	if err := r.Reset(context.Background(), config.Config{}); !errors.Is(err, boom) {
		t.Fatalf("Reset err=%v", err)
	}
	if _, err := r.Load(context.Background(), config.Config{}, nil); !errors.Is(err, boom) {
		t.Fatalf("Load err=%v", err)
	}
}

func TestRunner_MissingSeams(t *testing.T) {
	t.Parallel()

	if err := (&Runner{}).Reset(context.Background(), config.Config{}); err == nil {
		t.Fatalf("expected error without OpenWarehouse")
	}
	r := NewDefaultRunner(nil)
	if r.OpenWarehouse == nil || r.NewSource == nil {
		t.Fatalf("default runner seams not set")
	}
	if _, ok := r.NewSource().(*source.Router); !ok {
		t.Fatalf("default source is not a Router")
	}
}
