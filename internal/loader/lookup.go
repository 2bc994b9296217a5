package loader

import (
	"context"
	"fmt"

	"sparkify/internal/catalog"
	"sparkify/internal/logging"
	"sparkify/internal/metrics"
	"sparkify/internal/storage"
	"sparkify/internal/transformer"
)

// Lookup outcomes, used as metric labels.
const (
	LookupHit       = "hit"
	LookupMiss      = "miss"
	LookupAmbiguous = "ambiguous"
)

// LookupStats counts song/artist resolutions for play events.
type LookupStats struct {
	Hits      int // exactly one song matched
	Misses    int // nothing matched, ids left NULL
	Ambiguous int // several matched, the lowest (song_id, artist_id) was used
	Cached    int // answered from the per-run cache (also counted above)
}

type lookupResult struct {
	match   *transformer.Match
	outcome string
}

// resolver runs the song/artist lookup join with a per-run cache. Songs and
// artists do not change while events load, so cached answers stay exact.
type resolver struct {
	wh        storage.Warehouse
	tolerance float64
	log       *logging.Logger
	cache     map[transformer.LookupKey]lookupResult
	stats     LookupStats
}

func newResolver(wh storage.Warehouse, tolerance float64, log *logging.Logger) *resolver {
	return &resolver{
		wh:        wh,
		tolerance: tolerance,
		log:       log,
		cache:     map[transformer.LookupKey]lookupResult{},
	}
}

// resolve returns the match for ev, or nil when nothing matches. Events
// without a title, artist or length never match.
func (r *resolver) resolve(ctx context.Context, ev transformer.PlayEvent) (*transformer.Match, error) {
	key, ok := ev.Key()
	if !ok {
		r.count(LookupMiss)
		return nil, nil
	}
	if res, ok := r.cache[key]; ok {
		r.stats.Cached++
		r.count(res.outcome)
		return res.match, nil
	}

	rows, err := r.wh.Query(ctx, catalog.SongArtistLookup, key.Title, key.Artist, key.Length, r.tolerance)
	if err != nil {
		return nil, err
	}

	res := lookupResult{outcome: LookupMiss}
	if len(rows) > 0 {
		m, err := matchFromRow(rows[0])
		if err != nil {
			return nil, err
		}
		res.match = &m
		res.outcome = LookupHit
		if len(rows) > 1 {
			res.outcome = LookupAmbiguous
			r.log.Debug("ambiguous song lookup", "title", key.Title, "artist", key.Artist,
				"length", key.Length, "candidates", len(rows), "song_id", m.SongID, "artist_id", m.ArtistID)
		}
	}
	r.cache[key] = res
	r.count(res.outcome)
	return res.match, nil
}

func (r *resolver) count(outcome string) {
	switch outcome {
	case LookupHit:
		r.stats.Hits++
	case LookupAmbiguous:
		r.stats.Ambiguous++
	default:
		r.stats.Misses++
	}
	metrics.RecordLookup(outcome)
}

func matchFromRow(row []any) (transformer.Match, error) {
	if len(row) < 2 {
		return transformer.Match{}, fmt.Errorf("lookup: want 2 columns, got %d", len(row))
	}
	songID, ok1 := row[0].(string)
	artistID, ok2 := row[1].(string)
	if !ok1 || !ok2 {
		return transformer.Match{}, fmt.Errorf("lookup: unexpected id types %T, %T", row[0], row[1])
	}
	return transformer.Match{SongID: songID, ArtistID: artistID}, nil
}
