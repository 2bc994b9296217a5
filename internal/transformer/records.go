package transformer

// SongRecordToRows projects a song file record onto its songs and artists
// rows.
func SongRecordToRows(raw []byte) (SongRow, ArtistRow, error) {
	f, err := decodeObject(raw)
	if err != nil {
		return SongRow{}, ArtistRow{}, err
	}

	var (
		song   SongRow
		artist ArtistRow
	)
	if song.SongID, err = f.str("song_id"); err != nil {
		return SongRow{}, ArtistRow{}, err
	}
	if song.Title, err = f.str("title"); err != nil {
		return SongRow{}, ArtistRow{}, err
	}
	if song.ArtistID, err = f.str("artist_id"); err != nil {
		return SongRow{}, ArtistRow{}, err
	}
	if song.Year, err = f.int("year"); err != nil {
		return SongRow{}, ArtistRow{}, err
	}
	if song.Duration, err = f.float("duration"); err != nil {
		return SongRow{}, ArtistRow{}, err
	}

	artist.ArtistID = song.ArtistID
	if artist.Name, err = f.str("artist_name"); err != nil {
		return SongRow{}, ArtistRow{}, err
	}
	if artist.Location, err = f.nullableStr("artist_location"); err != nil {
		return SongRow{}, ArtistRow{}, err
	}
	if artist.Latitude, err = f.nullableFloat("artist_latitude"); err != nil {
		return SongRow{}, ArtistRow{}, err
	}
	if artist.Longitude, err = f.nullableFloat("artist_longitude"); err != nil {
		return SongRow{}, ArtistRow{}, err
	}
	return song, artist, nil
}

// LogRecordToRows projects a log event. ok is false, with no error, for any
// event whose page is not NextSong.
func LogRecordToRows(raw []byte) (rows LogRows, ok bool, err error) {
	f, err := decodeObject(raw)
	if err != nil {
		return LogRows{}, false, err
	}
	page, err := f.optStr("page")
	if err != nil {
		return LogRows{}, false, err
	}
	if page == nil || *page != NextSong {
		return LogRows{}, false, nil
	}

	ts, err := f.int("ts")
	if err != nil {
		return LogRows{}, false, err
	}
	rows.Time = TimeRowFromMillis(ts)

	u := &rows.User
	if u.UserID, err = f.intOrString("userId"); err != nil {
		return LogRows{}, false, err
	}
	if u.FirstName, err = f.optStr("firstName"); err != nil {
		return LogRows{}, false, err
	}
	if u.LastName, err = f.optStr("lastName"); err != nil {
		return LogRows{}, false, err
	}
	if u.Gender, err = f.optStr("gender"); err != nil {
		return LogRows{}, false, err
	}
	if u.Level, err = f.str("level"); err != nil {
		return LogRows{}, false, err
	}

	p := &rows.Play
	p.StartTime = rows.Time.StartTime
	p.UserID = u.UserID
	p.Level = u.Level
	if p.Song, err = f.optStr("song"); err != nil {
		return LogRows{}, false, err
	}
	if p.Artist, err = f.optStr("artist"); err != nil {
		return LogRows{}, false, err
	}
	if p.Length, err = f.optFloat("length"); err != nil {
		return LogRows{}, false, err
	}
	if p.SessionID, err = f.int("sessionId"); err != nil {
		return LogRows{}, false, err
	}
	if p.Location, err = f.optStr("location"); err != nil {
		return LogRows{}, false, err
	}
	if p.UserAgent, err = f.optStr("userAgent"); err != nil {
		return LogRows{}, false, err
	}
	return rows, true, nil
}
