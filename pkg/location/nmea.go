package location

import (
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"
)

// ParseFix decodes a single NMEA sentence. RMC sentences carry their own date;
// GGA sentences only carry a time of day, so the UTC date of now is used.
// ok is false for sentence types that carry no usable position.
func ParseFix(line string, now time.Time) (fix Fix, ok bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Fix{}, false, nil
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		return Fix{}, false, err
	}

	switch s := sentence.(type) {
	case nmea.RMC:
		if s.Validity != nmea.ValidRMC || !s.Date.Valid || !s.Time.Valid {
			return Fix{}, false, nil
		}
		year := 2000 + s.Date.YY
		if year > now.UTC().Year()+1 {
			year -= 100
		}
		return Fix{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Time:      fixTime(year, time.Month(s.Date.MM), s.Date.DD, s.Time),
		}, true, nil

	case nmea.GGA:
		if s.FixQuality == nmea.Invalid || !s.Time.Valid {
			return Fix{}, false, nil
		}
		y, m, d := now.UTC().Date()
		return Fix{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Accuracy:  s.HDOP, // Use HDOP as a proxy for accuracy
			Time:      fixTime(y, m, d, s.Time),
		}, true, nil
	}

	return Fix{}, false, nil
}

func fixTime(year int, month time.Month, day int, t nmea.Time) time.Time {
	return time.Date(year, month, day, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
