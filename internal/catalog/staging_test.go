package catalog

import (
	"strings"
	"testing"
)

func TestStagingTables(t *testing.T) {
	t.Parallel()

	tables := StagingTables()
	for _, tbl := range tables {
		if err := tbl.Validate(); err != nil {
			t.Fatalf("%s: %v", tbl.Name, err)
		}
		if tbl.PrimaryKey == nil {
			t.Fatalf("%s: staged rows need an id for first-wins ordering", tbl.Name)
		}
		if _, err := Table(tbl.Name); err == nil {
			t.Fatalf("%s must not be part of the star schema", tbl.Name)
		}
	}

	// COPY with a jsonpaths file maps expressions to columns by position.
	want := "artist,auth,firstname,gender,iteminsession,lastname,length,level,location,method," +
		"page,registration,sessionid,song,status,ts,useragent,userid"
	if got := strings.Join(tables[0].ColumnNames(), ","); got != want {
		t.Fatalf("staging_events columns=%s", got)
	}
	if got := strings.Join(StagingNames(), ","); got != "staging_events,staging_songs" {
		t.Fatalf("names=%s", got)
	}
}

func TestCopyTransforms(t *testing.T) {
	t.Parallel()

	trs := CopyTransforms(0.25)
	var order []string
	for _, tr := range trs {
		order = append(order, tr.Op+" "+tr.Table)
		if !strings.HasSuffix(tr.SQL, ";") {
			t.Fatalf("%s %s: unterminated statement", tr.Op, tr.Table)
		}
	}
	want := "insert songs,insert artists,insert time,delete users,insert users,insert songplays"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("order=%s", got)
	}

	songplays := trs[len(trs)-1].SQL
	for _, frag := range []string{
		`INSERT INTO "songplays" ("start_time", "user_id", "level", "song_id", "artist_id", "session_id", "location", "user_agent")`,
		`LEFT JOIN (`,
		`ROW_NUMBER() OVER (PARTITION BY e.staging_event_id ORDER BY s.song_id, a.artist_id) AS rn`,
		`JOIN "artists" a ON a.artist_id = s.artist_id AND a.name = e.artist`,
		`ABS(s.duration - e.length) <= 0.25`,
		`m.rn = 1`,
		`(se.ts % 1000) * INTERVAL '1 millisecond'`,
	} {
		if !strings.Contains(songplays, frag) {
			t.Fatalf("songplays transform lacks %q:\n%s", frag, songplays)
		}
	}

	if !strings.Contains(trs[0].SQL, "ORDER BY staging_song_id") || !strings.Contains(trs[0].SQL, "NOT EXISTS") {
		t.Fatalf("songs must keep the first staged row and existing keys:\n%s", trs[0].SQL)
	}
	if !strings.Contains(trs[2].SQL, `INSERT INTO "time"`) || !strings.Contains(trs[2].SQL, "EXTRACT(dow FROM e.start_time)") {
		t.Fatalf("time transform:\n%s", trs[2].SQL)
	}
	if !strings.Contains(trs[4].SQL, "ORDER BY se.ts DESC") {
		t.Fatalf("users must take the latest level:\n%s", trs[4].SQL)
	}
	if !strings.Contains(CopyTransforms(LengthTolerance)[5].SQL, "<= 1e-06") {
		t.Fatalf("default tolerance literal")
	}
}
