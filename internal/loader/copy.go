package loader

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"sparkify/internal/catalog"
	"sparkify/internal/logging"
	"sparkify/internal/metrics"
	"sparkify/internal/storage"
)

type CopyOptions struct {
	SongData        string // s3:// prefix of song files
	LogData         string // s3:// prefix of event logs
	LogJSONPath     string // jsonpaths file for the logs; empty maps keys by name
	IAMRole         string
	Region          string
	LengthTolerance float64
}

// CopyEngine loads through the warehouse itself: COPY into staging tables,
// then set-based INSERT ... SELECT into the star schema. The schema must
// exist. Staging tables are recreated on every run and dropped after a
// successful one.
type CopyEngine struct {
	Warehouse storage.Warehouse
	Logger    *logging.Logger
	Options   CopyOptions
}

// Run executes the copy load. Summary.Songs counts staged song records;
// Events and Skipped come from the staged events. Files, Bytes and Lookups
// stay zero because the warehouse does that work.
func (e *CopyEngine) Run(ctx context.Context) (Summary, error) {
	if e.Warehouse == nil {
		return Summary{}, fmt.Errorf("loader: Warehouse is required")
	}
	bl, ok := e.Warehouse.(storage.BulkLoader)
	if !ok {
		return Summary{}, fmt.Errorf("loader: copy mode needs a warehouse that supports COPY (redshift)")
	}
	opts := e.Options
	if opts.IAMRole == "" {
		return Summary{}, fmt.Errorf("loader: copy mode needs an IAM role")
	}
	if opts.LengthTolerance <= 0 {
		opts.LengthTolerance = catalog.LengthTolerance
	}
	log := e.Logger
	if log == nil {
		log = logging.Nop()
	}

	sum := Summary{Rows: map[string]int64{}}
	start := time.Now()

	step := func(name string, fn func() error) error {
		t0 := time.Now()
		err := fn()
		dur := time.Since(t0).Truncate(time.Millisecond)
		metrics.RecordStep(name, err, dur)
		if err != nil {
			log.Error("stage failed", "stage", name, "duration", dur, "err", err)
			return err
		}
		log.Printf("stage=%s ok duration=%s", name, dur)
		return nil
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"staging_reset", func() error {
			if err := e.Warehouse.DropTables(ctx, catalog.StagingNames()); err != nil {
				return err
			}
			return e.Warehouse.CreateTables(ctx, catalog.StagingTables())
		}},
		{"copy_songs", func() error {
			n, err := bl.CopyJSON(ctx, storage.S3Copy{
				Table:   catalog.StagingSongs,
				From:    opts.SongData,
				IAMRole: opts.IAMRole,
				Region:  opts.Region,
			})
			sum.Songs = int(n)
			return err
		}},
		{"copy_events", func() error {
			_, err := bl.CopyJSON(ctx, storage.S3Copy{
				Table:    catalog.StagingEvents,
				From:     opts.LogData,
				IAMRole:  opts.IAMRole,
				JSONPath: opts.LogJSONPath,
				Region:   opts.Region,
			})
			return err
		}},
		{"transform", func() error {
			for _, tr := range catalog.CopyTransforms(opts.LengthTolerance) {
				n, err := bl.Exec(ctx, tr.SQL)
				if err != nil {
					return fmt.Errorf("%s %s: %w", tr.Op, tr.Table, err)
				}
				if tr.Op == "insert" {
					sum.Rows[tr.Table] += n
					metrics.RecordBatch(tr.Table, n)
				}
			}
			return nil
		}},
		{"staging_counts", func() error {
			rows, err := e.Warehouse.Query(ctx, catalog.StagingCounts)
			if err != nil {
				return err
			}
			if len(rows) == 1 && len(rows[0]) == 2 {
				sum.Events, sum.Skipped = countValue(rows[0][0]), countValue(rows[0][1])
			}
			return nil
		}},
		{"staging_drop", func() error {
			return e.Warehouse.DropTables(ctx, catalog.StagingNames())
		}},
	}
	for _, s := range steps {
		if err := step(s.name, s.fn); err != nil {
			sum.Duration = time.Since(start).Truncate(time.Millisecond)
			return sum, err
		}
	}

	metrics.RecordRecords(kindSong, sum.Songs)
	metrics.RecordRecords(kindEvent, sum.Events)
	metrics.RecordRecords(kindSkipped, sum.Skipped)
	sum.Duration = time.Since(start).Truncate(time.Millisecond)
	log.Info("etl complete", "mode", "copy",
		"songs", sum.Songs, "events", sum.Events, "skipped", sum.Skipped,
		"songplays", sum.Rows[catalog.Songplays], "duration", sum.Duration)
	return sum, nil
}

// countValue reads a COUNT or SUM cell. SUM over no rows is NULL.
func countValue(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
