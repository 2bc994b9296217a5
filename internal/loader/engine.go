// Package loader runs the two-pass ETL: song files first (songs, artists),
// then event logs (time, users, songplays with the song/artist lookup).
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"sparkify/internal/catalog"
	"sparkify/internal/etlerr"
	"sparkify/internal/logging"
	"sparkify/internal/metrics"
	jsonparser "sparkify/internal/parser/json"
	"sparkify/internal/source"
	"sparkify/internal/storage"
	"sparkify/internal/transformer"
)

// Policy decides what a malformed record does to the run.
type Policy string

const (
	// PolicyLenient skips the record, logs it and counts it.
	PolicyLenient Policy = "lenient"
	// PolicyStrict aborts the run with the record's error.
	PolicyStrict Policy = "strict"
)

// DefaultBatchSize is the number of rows buffered per table before a write.
const DefaultBatchSize = 500

// Record kinds, used as metric labels.
const (
	kindSong      = "song"
	kindEvent     = "event"
	kindSkipped   = "skipped"
	kindMalformed = "malformed"
)

type Options struct {
	SongData        string // location of song files
	LogData         string // location of event log files
	BatchSize       int
	Policy          Policy
	LengthTolerance float64

	// OnFile, when set, is called after each input file is processed.
	OnFile func(path string)
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Policy == "" {
		o.Policy = PolicyLenient
	}
	if o.LengthTolerance <= 0 {
		o.LengthTolerance = catalog.LengthTolerance
	}
	return o
}

// Summary describes a finished run.
type Summary struct {
	Files     int
	Songs     int // song records loaded
	Events    int // NextSong events loaded
	Skipped   int // events on other pages
	Malformed int // records skipped under the lenient policy
	Rows      map[string]int64
	Batches   int
	Lookups   LookupStats
	Bytes     int64
	Duration  time.Duration
}

// Engine loads song and log files from Source into Warehouse. The schema
// must already exist.
type Engine struct {
	Warehouse storage.Warehouse
	Source    source.Source
	Logger    *logging.Logger
	Options   Options
}

// run holds the state of one Run call.
type run struct {
	e        *Engine
	opts     Options
	log      *logging.Logger
	batch    *batcher
	resolver *resolver
	sum      Summary
}

// Run executes pass 1 then pass 2. Every pass 1 row is written before pass 2
// reads its first event, so lookups see all songs and artists.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	if e.Warehouse == nil {
		return Summary{}, fmt.Errorf("loader: Warehouse is required")
	}
	if e.Source == nil {
		return Summary{}, fmt.Errorf("loader: Source is required")
	}
	opts := e.Options.withDefaults()
	if opts.Policy != PolicyLenient && opts.Policy != PolicyStrict {
		return Summary{}, fmt.Errorf("loader: unknown policy %q", opts.Policy)
	}
	log := e.Logger
	if log == nil {
		log = logging.Nop()
	}

	r := &run{
		e:        e,
		opts:     opts,
		log:      log,
		batch:    newBatcher(e.Warehouse, opts.BatchSize, log),
		resolver: newResolver(e.Warehouse, opts.LengthTolerance, log),
	}
	start := time.Now()

	err := r.stage(ctx, "pass1_songs", opts.SongData, r.songRecord)
	if err == nil {
		err = r.stage(ctx, "pass2_events", opts.LogData, r.logRecord)
	}

	r.sum.Rows = r.batch.rows
	r.sum.Batches = r.batch.batches
	r.sum.Lookups = r.resolver.stats
	r.sum.Duration = time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		return r.sum, err
	}

	s := r.sum
	log.Info("etl complete",
		"files", s.Files, "songs", s.Songs, "events", s.Events,
		"skipped", s.Skipped, "malformed", s.Malformed,
		"songplays", s.Rows[catalog.Songplays],
		"lookup_hits", s.Lookups.Hits, "lookup_misses", s.Lookups.Misses, "lookup_ambiguous", s.Lookups.Ambiguous,
		"read", humanize.Bytes(uint64(max(s.Bytes, 0))), "duration", s.Duration)
	return s, nil
}

// stage walks root, feeds each record to fn, then writes every pending row.
func (r *run) stage(ctx context.Context, name, root string, fn func(context.Context, jsonparser.Record) error) error {
	start := time.Now()
	files := 0
	err := func() error {
		if root == "" {
			return fmt.Errorf("loader: %s: no input location", name)
		}
		for f, err := range r.e.Source.Walk(ctx, root) {
			if err != nil {
				return fmt.Errorf("list %s: %w", root, err)
			}
			if err := r.file(ctx, f, fn); err != nil {
				return err
			}
			files++
		}
		return r.batch.flushAll(ctx)
	}()

	dur := time.Since(start).Truncate(time.Millisecond)
	metrics.RecordStep(name, err, dur)
	if err != nil {
		r.log.Error("stage failed", "stage", name, "duration", dur, "err", err)
		return err
	}
	if files == 0 {
		r.log.Warn("no input files", "stage", name, "root", root)
	}
	r.log.Printf("stage=%s ok duration=%s files=%d", name, dur, files)
	return nil
}

// file streams one input file through fn under the malformed-record policy.
func (r *run) file(ctx context.Context, f source.File, fn func(context.Context, jsonparser.Record) error) error {
	rc, err := r.e.Source.Open(ctx, f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer rc.Close()

	cr := &countingReader{r: rc}
	var (
		abort    error
		emitErr  error
		parseErr bool
	)
	onParseErr := func(line int, err error) {
		parseErr = true
		if abort == nil {
			abort = r.malformed(&etlerr.MalformedRecordError{Source: f.Path, Line: line, Err: err})
		}
	}
	emit := func(rec jsonparser.Record) error {
		if abort != nil {
			return abort
		}
		err := fn(ctx, rec)
		if err == nil {
			return nil
		}
		var me *etlerr.MalformedRecordError
		if errors.As(err, &me) {
			me.Source, me.Line = f.Path, rec.Line
			if err := r.malformed(me); err != nil {
				emitErr = err
				return err
			}
			return nil
		}
		emitErr = err
		return err
	}

	err = jsonparser.StreamRecords(ctx, cr, emit, onParseErr)
	r.sum.Bytes += cr.n
	r.sum.Files++
	switch {
	case emitErr != nil:
		return emitErr
	case ctx.Err() != nil:
		return ctx.Err()
	case abort != nil:
		return abort
	case err != nil && parseErr:
		// Lenient: the unreadable tail of the file was counted as one record.
		r.log.Warn("rest of file skipped", "file", f.Path, "err", err)
	case err != nil:
		return fmt.Errorf("read %s: %w", f.Path, err)
	}
	if r.opts.OnFile != nil {
		r.opts.OnFile(f.Path)
	}
	return nil
}

// malformed applies the policy: nil to skip, the error to abort.
func (r *run) malformed(me *etlerr.MalformedRecordError) error {
	if r.opts.Policy == PolicyStrict {
		return me
	}
	r.sum.Malformed++
	metrics.RecordRecords(kindMalformed, 1)
	r.log.Warn("skipping malformed record", "file", me.Source, "line", me.Line, "field", me.Field, "err", me.Err)
	return nil
}

func (r *run) songRecord(ctx context.Context, rec jsonparser.Record) error {
	song, artist, err := transformer.SongRecordToRows(rec.Raw)
	if err != nil {
		return err
	}
	if err := r.batch.add(ctx, catalog.Songs, song.Values()); err != nil {
		return err
	}
	if err := r.batch.add(ctx, catalog.Artists, artist.Values()); err != nil {
		return err
	}
	r.sum.Songs++
	metrics.RecordRecords(kindSong, 1)
	return nil
}

func (r *run) logRecord(ctx context.Context, rec jsonparser.Record) error {
	rows, ok, err := transformer.LogRecordToRows(rec.Raw)
	if err != nil {
		return err
	}
	if !ok {
		r.sum.Skipped++
		metrics.RecordRecords(kindSkipped, 1)
		return nil
	}

	if err := r.batch.add(ctx, catalog.Time, rows.Time.Values()); err != nil {
		return err
	}
	if err := r.batch.add(ctx, catalog.Users, rows.User.Values()); err != nil {
		return err
	}
	match, err := r.resolver.resolve(ctx, rows.Play)
	if err != nil {
		return err
	}
	if err := r.batch.add(ctx, catalog.Songplays, rows.Play.Songplay(match).Values()); err != nil {
		return err
	}
	r.sum.Events++
	metrics.RecordRecords(kindEvent, 1)
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
