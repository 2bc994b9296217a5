package transformer

import (
	"time"
)

// NextSong is the only page value that represents a song play.
const NextSong = "NextSong"

// SongRow is one songs row.
type SongRow struct {
	SongID   string
	Title    string
	ArtistID string
	Year     int64
	Duration float64
}

// Values returns the row in catalog column order.
func (r SongRow) Values() []any {
	return []any{r.SongID, r.Title, r.ArtistID, r.Year, r.Duration}
}

// ArtistRow is one artists row. Location and coordinates may be unknown.
type ArtistRow struct {
	ArtistID  string
	Name      string
	Location  *string
	Latitude  *float64
	Longitude *float64
}

func (r ArtistRow) Values() []any {
	return []any{r.ArtistID, r.Name, strOrNil(r.Location), floatOrNil(r.Latitude), floatOrNil(r.Longitude)}
}

type UserRow struct {
	UserID    int64
	FirstName *string
	LastName  *string
	Gender    *string
	Level     string
}

func (r UserRow) Values() []any {
	return []any{r.UserID, strOrNil(r.FirstName), strOrNil(r.LastName), strOrNil(r.Gender), r.Level}
}

// TimeRow breaks a play timestamp into calendar units.
type TimeRow struct {
	StartTime time.Time
	Hour      int
	Day       int
	Week      int
	Month     int
	Year      int
	Weekday   int
}

func (r TimeRow) Values() []any {
	return []any{r.StartTime, r.Hour, r.Day, r.Week, r.Month, r.Year, r.Weekday}
}

// TimeRowFromMillis converts epoch milliseconds to a UTC TimeRow. Week is the
// ISO-8601 week number; Weekday is 0 for Sunday through 6 for Saturday.
func TimeRowFromMillis(ms int64) TimeRow {
	t := time.UnixMilli(ms).UTC()
	_, week := t.ISOWeek()
	return TimeRow{
		StartTime: t,
		Hour:      t.Hour(),
		Day:       t.Day(),
		Week:      week,
		Month:     int(t.Month()),
		Year:      t.Year(),
		Weekday:   int(t.Weekday()),
	}
}

// PlayEvent is a NextSong event before the song/artist lookup.
type PlayEvent struct {
	StartTime time.Time
	UserID    int64
	Level     string
	Song      *string
	Artist    *string
	Length    *float64
	SessionID int64
	Location  *string
	UserAgent *string
}

// LookupKey identifies the song an event refers to.
type LookupKey struct {
	Title  string
	Artist string
	Length float64
}

// Key returns the lookup key, or false when the event lacks a title, an
// artist or a length and so cannot match any song.
func (e PlayEvent) Key() (LookupKey, bool) {
	if e.Song == nil || e.Artist == nil || e.Length == nil {
		return LookupKey{}, false
	}
	return LookupKey{Title: *e.Song, Artist: *e.Artist, Length: *e.Length}, true
}

// Match is a resolved (song_id, artist_id) pair.
type Match struct {
	SongID   string
	ArtistID string
}

// Songplay builds the fact row. A nil match leaves both ids NULL.
func (e PlayEvent) Songplay(m *Match) SongplayRow {
	row := SongplayRow{
		StartTime: e.StartTime,
		UserID:    e.UserID,
		Level:     e.Level,
		SessionID: e.SessionID,
		Location:  e.Location,
		UserAgent: e.UserAgent,
	}
	if m != nil {
		songID, artistID := m.SongID, m.ArtistID
		row.SongID, row.ArtistID = &songID, &artistID
	}
	return row
}

// SongplayRow is one songplays row; songplay_id is assigned by the warehouse.
type SongplayRow struct {
	StartTime time.Time
	UserID    int64
	Level     string
	SongID    *string
	ArtistID  *string
	SessionID int64
	Location  *string
	UserAgent *string
}

func (r SongplayRow) Values() []any {
	return []any{
		r.StartTime, r.UserID, r.Level,
		strOrNil(r.SongID), strOrNil(r.ArtistID),
		r.SessionID, strOrNil(r.Location), strOrNil(r.UserAgent),
	}
}

// LogRows is everything one NextSong event contributes.
type LogRows struct {
	Time TimeRow
	User UserRow
	Play PlayEvent
}

func strOrNil(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func floatOrNil(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
