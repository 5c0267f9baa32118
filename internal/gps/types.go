package gps

import (
	"strings"
	"time"

	"bus-buddy/internal/geo"
)

// RawSample is one location callback as delivered by a device. Speed and
// heading are optional; many devices omit them at low speed or indoors.
type RawSample struct {
	Latitude             float64
	Longitude            float64
	AccuracyMeters       float64
	Timestamp            time.Time
	SpeedMetersPerSecond *float64
	HeadingDegrees       *float64
}

// Fix is a normalized position observation. Never mutated after creation.
type Fix struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	SpeedKmh       *float64  `json:"speedKmh"`
	HeadingDegrees *float64  `json:"headingDegrees"`
	AccuracyMeters float64   `json:"accuracyMeters"`
	Timestamp      time.Time `json:"timestamp"`
}

// Point returns the fix as a timestamped point for the geo primitives.
func (f Fix) Point() geo.LatLngTime {
	return geo.At(f.Latitude, f.Longitude, f.Timestamp)
}

// Update is the canonical wire payload accepted by the ingestion endpoint.
// Speed is km/h, heading is whole degrees.
type Update struct {
	BusID     string   `json:"busId" validate:"required,uuid4"`
	TripID    *string  `json:"tripId" validate:"omitempty,uuid4"`
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Speed     *float64 `json:"speed" validate:"omitempty,gte=0,lte=300"`
	Heading   *int     `json:"heading" validate:"omitempty,gte=0,lte=360"`
}

// Canonical returns u with its ids trimmed and lowercased. The uuid4
// validation only accepts lowercase hex.
func (u Update) Canonical() Update {
	u.BusID = CanonicalID(u.BusID)
	if u.TripID != nil {
		id := CanonicalID(*u.TripID)
		u.TripID = &id
	}
	return u
}

// CanonicalID is the stored form of a bus or trip id.
func CanonicalID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// FieldError is one field-level validation message returned by ingestion.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Rejection is the body returned for a rejected update. Status is only set
// on transports without their own status line.
type Rejection struct {
	Error   string       `json:"error"`
	Details []FieldError `json:"details,omitempty"`
	Status  int          `json:"status,omitempty"`
}
