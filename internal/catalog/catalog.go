// Package catalog holds the star schema: table definitions, column order,
// conflict policies and the song/artist lookup statement. It is data only.
package catalog

import (
	"fmt"

	"sparkify/internal/storage"
)

// Table names.
const (
	Songs     = "songs"
	Artists   = "artists"
	Users     = "users"
	Time      = "time"
	Songplays = "songplays"
)

// LengthTolerance is the default maximum difference, in seconds, between an
// event's length and a song's duration for the two to match.
const LengthTolerance = 1e-6

// SongArtistLookup resolves (title, artist name, length, tolerance) to
// (song_id, artist_id). Placeholders are "?"; backends rebind them. Rows come
// back ordered so the first row is the deterministic pick when several match.
const SongArtistLookup = `SELECT s.song_id, a.artist_id
FROM songs s
JOIN artists a ON s.artist_id = a.artist_id
WHERE s.title = ? AND a.name = ? AND ABS(s.duration - ?) <= ?
ORDER BY s.song_id, a.artist_id`

func notNull() *bool { v := false; return &v }

func naturalKey(cols ...string) []storage.ConstraintSpec {
	return []storage.ConstraintSpec{{Kind: storage.ConstraintPrimaryKey, Columns: cols}}
}

func dimension(action string, keys ...string) storage.LoadSpec {
	return storage.LoadSpec{
		Kind:     storage.LoadDimension,
		Conflict: &storage.ConflictSpec{TargetColumns: keys, Action: action},
	}
}

var (
	songsTable = storage.TableSpec{
		Name: Songs,
		Columns: []storage.ColumnSpec{
			{Name: "song_id", Type: storage.TypeVarchar, Nullable: notNull()},
			{Name: "title", Type: storage.TypeVarchar, Nullable: notNull()},
			{Name: "artist_id", Type: storage.TypeVarchar},
			{Name: "year", Type: storage.TypeInt},
			{Name: "duration", Type: storage.TypeDouble},
		},
		Constraints: naturalKey("song_id"),
		Load:        dimension(storage.ActionDoNothing, "song_id"),
	}

	artistsTable = storage.TableSpec{
		Name: Artists,
		Columns: []storage.ColumnSpec{
			{Name: "artist_id", Type: storage.TypeVarchar, Nullable: notNull()},
			{Name: "name", Type: storage.TypeVarchar, Nullable: notNull()},
			{Name: "location", Type: storage.TypeVarchar},
			{Name: "latitude", Type: storage.TypeDouble},
			{Name: "longitude", Type: storage.TypeDouble},
		},
		Constraints: naturalKey("artist_id"),
		Load:        dimension(storage.ActionDoNothing, "artist_id"),
	}

	// users keeps the latest level seen for each user.
	usersTable = storage.TableSpec{
		Name: Users,
		Columns: []storage.ColumnSpec{
			{Name: "user_id", Type: storage.TypeInt, Nullable: notNull()},
			{Name: "first_name", Type: storage.TypeVarchar},
			{Name: "last_name", Type: storage.TypeVarchar},
			{Name: "gender", Type: storage.TypeVarchar},
			{Name: "level", Type: storage.TypeVarchar},
		},
		Constraints: naturalKey("user_id"),
		Load:        dimension(storage.ActionDoUpdate, "user_id"),
	}

	timeTable = storage.TableSpec{
		Name: Time,
		Columns: []storage.ColumnSpec{
			{Name: "start_time", Type: storage.TypeTimestamp, Nullable: notNull()},
			{Name: "hour", Type: storage.TypeInt},
			{Name: "day", Type: storage.TypeInt},
			{Name: "week", Type: storage.TypeInt},
			{Name: "month", Type: storage.TypeInt},
			{Name: "year", Type: storage.TypeInt},
			{Name: "weekday", Type: storage.TypeInt},
		},
		Constraints: naturalKey("start_time"),
		Load:        dimension(storage.ActionDoNothing, "start_time"),
	}

	songplaysTable = storage.TableSpec{
		Name:       Songplays,
		PrimaryKey: &storage.PrimaryKeySpec{Name: "songplay_id", Type: storage.TypeSerial},
		Columns: []storage.ColumnSpec{
			{Name: "start_time", Type: storage.TypeTimestamp, Nullable: notNull()},
			{Name: "user_id", Type: storage.TypeInt, Nullable: notNull()},
			{Name: "level", Type: storage.TypeVarchar},
			{Name: "song_id", Type: storage.TypeVarchar},
			{Name: "artist_id", Type: storage.TypeVarchar},
			{Name: "session_id", Type: storage.TypeInt},
			{Name: "location", Type: storage.TypeVarchar},
			{Name: "user_agent", Type: storage.TypeVarchar},
		},
		Load: storage.LoadSpec{Kind: storage.LoadFact},
	}

	creationOrder = []storage.TableSpec{songsTable, artistsTable, usersTable, timeTable, songplaysTable}
)

// Tables returns every table in creation order: dimensions first, the fact
// table last. The slice is a copy.
func Tables() []storage.TableSpec {
	return append([]storage.TableSpec(nil), creationOrder...)
}

// DropOrder returns table names in reverse creation order.
func DropOrder() []string {
	out := make([]string, 0, len(creationOrder))
	for i := len(creationOrder) - 1; i >= 0; i-- {
		out = append(out, creationOrder[i].Name)
	}
	return out
}

// Table returns the spec for name.
func Table(name string) (storage.TableSpec, error) {
	for _, t := range creationOrder {
		if t.Name == name {
			return t, nil
		}
	}
	return storage.TableSpec{}, fmt.Errorf("catalog: unknown table %q", name)
}

// MustTable is Table for names known at compile time.
func MustTable(name string) storage.TableSpec {
	t, err := Table(name)
	if err != nil {
		panic(err)
	}
	return t
}

// Columns returns the insert column order for name, or nil if unknown.
func Columns(name string) []string {
	t, err := Table(name)
	if err != nil {
		return nil
	}
	return t.ColumnNames()
}
