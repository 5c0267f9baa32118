package gps

import (
	"math"

	"bus-buddy/internal/geo"
)

// Normalizer turns raw samples into Fixes. It holds no state between calls;
// the previous fix is passed in by the owner of the session.
type Normalizer struct {
	Policy geo.SpeedPolicy
}

// NewNormalizer returns a Normalizer using the road-bus speed policy.
func NewNormalizer() Normalizer {
	return Normalizer{Policy: geo.DefaultSpeedPolicy()}
}

// Normalize builds a Fix from raw, backfilling speed and heading from prev
// when the device did not report them. prev may be nil.
func (n Normalizer) Normalize(raw RawSample, prev *Fix) Fix {
	fix := Fix{
		Latitude:       raw.Latitude,
		Longitude:      raw.Longitude,
		AccuracyMeters: raw.AccuracyMeters,
		Timestamp:      raw.Timestamp,
	}
	cur := fix.Point()

	if mps, ok := finite(raw.SpeedMetersPerSecond); ok {
		kmh := math.Max(0, mps*geo.MpsToKmh)
		if n.Policy.Accepts(kmh) {
			fix.SpeedKmh = &kmh
		}
	} else if prev != nil {
		fix.SpeedKmh = n.Policy.SpeedKmh(prev.Point(), cur)
	}

	if hdg, ok := finite(raw.HeadingDegrees); ok {
		h := geo.NormalizeHeading(hdg)
		fix.HeadingDegrees = &h
	} else if prev != nil {
		h := geo.BearingDegrees(prev.Point(), cur)
		fix.HeadingDegrees = &h
	}

	return fix
}

// finite treats NaN and infinities as "not reported"; browsers report a NaN
// heading when stationary.
func finite(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}

// NewUpdate converts a fix into the canonical wire payload. An empty tripID
// sends the fix against the bus alone.
func NewUpdate(fix Fix, busID, tripID string) Update {
	lat, lng := fix.Latitude, fix.Longitude
	u := Update{
		BusID:     busID,
		Latitude:  &lat,
		Longitude: &lng,
	}
	if tripID != "" {
		u.TripID = &tripID
	}
	if fix.SpeedKmh != nil {
		s := math.Round(*fix.SpeedKmh*100) / 100
		u.Speed = &s
	}
	if fix.HeadingDegrees != nil {
		h := int(math.Round(*fix.HeadingDegrees)) % 360
		u.Heading = &h
	}
	return u
}
