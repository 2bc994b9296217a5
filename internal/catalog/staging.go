package catalog

import (
	"fmt"
	"strconv"

	"sparkify/internal/storage"
)

// Staging table names, used only by the Redshift COPY load.
const (
	StagingEvents = "staging_events"
	StagingSongs  = "staging_songs"
)

// Staging columns are the lowercased JSON keys. Events keep the order of
// the log jsonpaths file because COPY maps jsonpaths positionally; userid
// stays text since logged-out events carry "".
var (
	stagingEventsTable = storage.TableSpec{
		Name:       StagingEvents,
		PrimaryKey: &storage.PrimaryKeySpec{Name: "staging_event_id", Type: storage.TypeSerial},
		Columns: []storage.ColumnSpec{
			{Name: "artist", Type: storage.TypeVarchar},
			{Name: "auth", Type: storage.TypeVarchar},
			{Name: "firstname", Type: storage.TypeVarchar},
			{Name: "gender", Type: storage.TypeVarchar},
			{Name: "iteminsession", Type: storage.TypeInt},
			{Name: "lastname", Type: storage.TypeVarchar},
			{Name: "length", Type: storage.TypeDouble},
			{Name: "level", Type: storage.TypeVarchar},
			{Name: "location", Type: storage.TypeVarchar},
			{Name: "method", Type: storage.TypeVarchar},
			{Name: "page", Type: storage.TypeVarchar},
			{Name: "registration", Type: storage.TypeDouble},
			{Name: "sessionid", Type: storage.TypeInt},
			{Name: "song", Type: storage.TypeVarchar},
			{Name: "status", Type: storage.TypeInt},
			{Name: "ts", Type: storage.TypeBigint},
			{Name: "useragent", Type: storage.TypeVarchar},
			{Name: "userid", Type: storage.TypeVarchar},
		},
		Load: storage.LoadSpec{Kind: storage.LoadFact},
	}

	stagingSongsTable = storage.TableSpec{
		Name:       StagingSongs,
		PrimaryKey: &storage.PrimaryKeySpec{Name: "staging_song_id", Type: storage.TypeSerial},
		Columns: []storage.ColumnSpec{
			{Name: "num_songs", Type: storage.TypeInt},
			{Name: "artist_id", Type: storage.TypeVarchar},
			{Name: "artist_latitude", Type: storage.TypeDouble},
			{Name: "artist_longitude", Type: storage.TypeDouble},
			{Name: "artist_location", Type: storage.TypeVarchar},
			{Name: "artist_name", Type: storage.TypeVarchar},
			{Name: "song_id", Type: storage.TypeVarchar},
			{Name: "title", Type: storage.TypeVarchar},
			{Name: "duration", Type: storage.TypeDouble},
			{Name: "year", Type: storage.TypeInt},
		},
		Load: storage.LoadSpec{Kind: storage.LoadFact},
	}
)

// StagingTables returns the two staging tables. The slice is a copy.
func StagingTables() []storage.TableSpec {
	return []storage.TableSpec{stagingEventsTable, stagingSongsTable}
}

// StagingNames returns the staging table names in drop order.
func StagingNames() []string {
	return []string{StagingEvents, StagingSongs}
}

// Transform is one set-based statement moving staged rows into the star
// schema.
type Transform struct {
	Table string
	Op    string // insert | delete
	SQL   string
}

// startTime converts the millisecond ts column of alias to a timestamp
// without losing the milliseconds.
func startTime(alias string) string {
	return fmt.Sprintf("TIMESTAMP 'epoch' + (%[1]s.ts / 1000) * INTERVAL '1 second' + (%[1]s.ts %% 1000) * INTERVAL '1 millisecond'", alias)
}

// playedEvents filters alias to NextSong events that can become rows.
func playedEvents(alias string) string {
	return fmt.Sprintf("%[1]s.page = 'NextSong' AND %[1]s.ts IS NOT NULL AND NULLIF(%[1]s.userid, '') IS NOT NULL", alias)
}

// CopyTransforms returns, in execution order, the Redshift statements that
// load the star schema from the staging tables. They follow the streaming
// load's rules: the first staged song or artist wins and existing keys are
// kept; users take the level of their latest event; a songplay gets the
// lowest (song_id, artist_id) whose title, artist name and duration match
// within tolerance, or NULLs when nothing does.
func CopyTransforms(tolerance float64) []Transform {
	tol := strconv.FormatFloat(tolerance, 'g', -1, 64)

	songs := `INSERT INTO "songs" ("song_id", "title", "artist_id", "year", "duration")
SELECT s.song_id, s.title, s.artist_id, s.year, s.duration
FROM (
  SELECT song_id, title, artist_id, year, duration,
    ROW_NUMBER() OVER (PARTITION BY song_id ORDER BY staging_song_id) AS rn
  FROM "staging_songs"
  WHERE song_id IS NOT NULL AND title IS NOT NULL
) s
WHERE s.rn = 1 AND NOT EXISTS (SELECT 1 FROM "songs" t WHERE t.song_id = s.song_id);`

	artists := `INSERT INTO "artists" ("artist_id", "name", "location", "latitude", "longitude")
SELECT a.artist_id, a.artist_name, a.artist_location, a.artist_latitude, a.artist_longitude
FROM (
  SELECT artist_id, artist_name, artist_location, artist_latitude, artist_longitude,
    ROW_NUMBER() OVER (PARTITION BY artist_id ORDER BY staging_song_id) AS rn
  FROM "staging_songs"
  WHERE artist_id IS NOT NULL AND artist_name IS NOT NULL
) a
WHERE a.rn = 1 AND NOT EXISTS (SELECT 1 FROM "artists" t WHERE t.artist_id = a.artist_id);`

	timeRows := `INSERT INTO "time" ("start_time", "hour", "day", "week", "month", "year", "weekday")
SELECT e.start_time,
  EXTRACT(hour FROM e.start_time), EXTRACT(day FROM e.start_time), EXTRACT(week FROM e.start_time),
  EXTRACT(month FROM e.start_time), EXTRACT(year FROM e.start_time), EXTRACT(dow FROM e.start_time)
FROM (
  SELECT DISTINCT ` + startTime("se") + ` AS start_time
  FROM "staging_events" se
  WHERE ` + playedEvents("se") + `
) e
WHERE NOT EXISTS (SELECT 1 FROM "time" t WHERE t.start_time = e.start_time);`

	usersDelete := `DELETE FROM "users"
WHERE user_id IN (
  SELECT CAST(se.userid AS INTEGER) FROM "staging_events" se WHERE ` + playedEvents("se") + ` AND se.level IS NOT NULL
);`

	usersInsert := `INSERT INTO "users" ("user_id", "first_name", "last_name", "gender", "level")
SELECT u.user_id, u.firstname, u.lastname, u.gender, u.level
FROM (
  SELECT CAST(se.userid AS INTEGER) AS user_id, se.firstname, se.lastname, se.gender, se.level,
    ROW_NUMBER() OVER (PARTITION BY se.userid ORDER BY se.ts DESC, se.staging_event_id DESC) AS rn
  FROM "staging_events" se
  WHERE ` + playedEvents("se") + ` AND se.level IS NOT NULL
) u
WHERE u.rn = 1;`

	songplays := `INSERT INTO "songplays" ("start_time", "user_id", "level", "song_id", "artist_id", "session_id", "location", "user_agent")
SELECT ` + startTime("se") + `,
  CAST(se.userid AS INTEGER), se.level, m.song_id, m.artist_id, se.sessionid, se.location, se.useragent
FROM "staging_events" se
LEFT JOIN (
  SELECT e.staging_event_id, s.song_id, a.artist_id,
    ROW_NUMBER() OVER (PARTITION BY e.staging_event_id ORDER BY s.song_id, a.artist_id) AS rn
  FROM "staging_events" e
  JOIN "songs" s ON s.title = e.song
  JOIN "artists" a ON a.artist_id = s.artist_id AND a.name = e.artist
  WHERE e.page = 'NextSong' AND ABS(s.duration - e.length) <= ` + tol + `
) m ON m.staging_event_id = se.staging_event_id AND m.rn = 1
WHERE ` + playedEvents("se") + `;`

	return []Transform{
		{Table: Songs, Op: "insert", SQL: songs},
		{Table: Artists, Op: "insert", SQL: artists},
		{Table: Time, Op: "insert", SQL: timeRows},
		{Table: Users, Op: "delete", SQL: usersDelete},
		{Table: Users, Op: "insert", SQL: usersInsert},
		{Table: Songplays, Op: "insert", SQL: songplays},
	}
}

// StagingCounts counts staged events as (NextSong plays that become rows,
// everything else).
const StagingCounts = `SELECT
  SUM(CASE WHEN page = 'NextSong' AND ts IS NOT NULL AND NULLIF(userid, '') IS NOT NULL THEN 1 ELSE 0 END),
  SUM(CASE WHEN page = 'NextSong' AND ts IS NOT NULL AND NULLIF(userid, '') IS NOT NULL THEN 0 ELSE 1 END)
FROM "staging_events"`
