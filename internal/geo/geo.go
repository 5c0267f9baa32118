package geo

import (
	"math"
	"time"
)

const (
	EarthRadiusMeters = 6371000.0

	// DefaultMaxSpeedKmh is the client-side sanity bound for a road bus.
	// Anything above it is treated as a sensor glitch.
	DefaultMaxSpeedKmh = 160.0
	// MaxIngestSpeedKmh is the server-side bound applied to every producer.
	MaxIngestSpeedKmh = 300.0

	// JitterMeters is the displacement below which two samples count as stationary.
	JitterMeters = 3.0

	MpsToKmh   = 3.6
	KnotsToKmh = 1.852
)

// LatLngTime is a timestamped point. Timestamp is milliseconds since epoch.
type LatLngTime struct {
	Latitude  float64
	Longitude float64
	Timestamp int64
}

// At builds a LatLngTime from a wall-clock time.
func At(lat, lng float64, t time.Time) LatLngTime {
	return LatLngTime{Latitude: lat, Longitude: lng, Timestamp: t.UnixMilli()}
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

// HaversineDistanceMeters returns the great-circle distance between a and b.
func HaversineDistanceMeters(a, b LatLngTime) float64 {
	dLat := toRad(b.Latitude - a.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// BearingDegrees returns the initial compass bearing from a to b in [0,360).
func BearingDegrees(a, b LatLngTime) float64 {
	lat1 := toRad(a.Latitude)
	lat2 := toRad(b.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	brng := math.Atan2(y, x) * 180 / math.Pi
	return NormalizeHeading(brng)
}

// NormalizeHeading folds any finite angle into [0,360).
func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg+360, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h = 0
	}
	return h
}

// SpeedPolicy holds the bounds used when deriving speed from two samples.
type SpeedPolicy struct {
	MaxKmh       float64
	JitterMeters float64
}

// DefaultSpeedPolicy is the policy for road buses.
func DefaultSpeedPolicy() SpeedPolicy {
	return SpeedPolicy{MaxKmh: DefaultMaxSpeedKmh, JitterMeters: JitterMeters}
}

// SpeedKmhFromSamples derives speed between a and b using the default policy.
func SpeedKmhFromSamples(a, b LatLngTime) *float64 {
	return DefaultSpeedPolicy().SpeedKmh(a, b)
}

// SpeedKmh returns nil when no rate can be derived: timestamps that do not
// advance, or a result that is non-finite, negative or above MaxKmh.
// Displacements below JitterMeters yield 0.
func (p SpeedPolicy) SpeedKmh(a, b LatLngTime) *float64 {
	if b.Timestamp <= a.Timestamp {
		return nil
	}
	dist := HaversineDistanceMeters(a, b)
	if dist < p.JitterMeters {
		zero := 0.0
		return &zero
	}
	elapsed := float64(b.Timestamp-a.Timestamp) / 1000
	kmh := dist / elapsed * MpsToKmh
	if !p.Accepts(kmh) {
		return nil
	}
	return &kmh
}

// Accepts reports whether kmh is a plausible speed under the policy.
func (p SpeedPolicy) Accepts(kmh float64) bool {
	if math.IsNaN(kmh) || math.IsInf(kmh, 0) {
		return false
	}
	return kmh >= 0 && kmh <= p.MaxKmh
}
