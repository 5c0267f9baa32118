package serialgps

import (
	"fmt"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"bus-buddy/internal/gps"
	"bus-buddy/internal/location"
)

const (
	knotsToMps = 1852.0 / 3600.0
	// uereMeters approximates the user equivalent range error used to turn
	// HDOP into an accuracy radius.
	uereMeters = 5.0

	rmcSpeedField  = 6
	rmcCourseField = 7
)

// decoder accumulates NMEA sentences into raw samples. RMC drives output;
// GGA only contributes the accuracy estimate.
type decoder struct {
	now      func() time.Time
	accuracy float64
}

// feed returns ok=true when line completed a sample. A void RMC yields
// location.ErrPositionUnavailable. Unparseable lines are ignored.
func (d *decoder) feed(line string) (gps.RawSample, bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return gps.RawSample{}, false, nil
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		// noisy receivers emit partial sentences
		return gps.RawSample{}, false, nil
	}

	switch sentence.DataType() {
	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		if m.FixQuality != nmea.Invalid && m.HDOP > 0 {
			d.accuracy = m.HDOP * uereMeters
		}
		return gps.RawSample{}, false, nil

	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		if m.Validity != nmea.ValidRMC {
			return gps.RawSample{}, false, fmt.Errorf("rmc validity %q: %w", m.Validity, location.ErrPositionUnavailable)
		}
		s := gps.RawSample{
			Latitude:       m.Latitude,
			Longitude:      m.Longitude,
			AccuracyMeters: d.accuracy,
			Timestamp:      d.fixTime(m),
		}
		if fieldPresent(m.BaseSentence, rmcSpeedField) {
			mps := m.Speed * knotsToMps
			s.SpeedMetersPerSecond = &mps
		}
		if fieldPresent(m.BaseSentence, rmcCourseField) {
			course := m.Course
			s.HeadingDegrees = &course
		}
		return s, true, nil
	}
	return gps.RawSample{}, false, nil
}

func (d *decoder) fixTime(m nmea.RMC) time.Time {
	if !m.Date.Valid || !m.Time.Valid {
		return d.now()
	}
	return time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
		m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
}

// Receivers leave speed and course empty when they cannot compute them;
// the parsed value would read as zero.
func fieldPresent(s nmea.BaseSentence, i int) bool {
	return i < len(s.Fields) && strings.TrimSpace(s.Fields[i]) != ""
}
