package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"bus-buddy/internal/geo"
	"bus-buddy/internal/gps"
)

// WebhookPayload is what third-party trackers post. Speed is in knots and
// course in degrees.
type WebhookPayload struct {
	DeviceID  *int64   `json:"deviceId" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
	Speed     *float64 `json:"speed" validate:"omitempty,gte=0"`
	Course    *float64 `json:"course" validate:"omitempty,gte=0,lte=360"`
	FixTime   *FixTime `json:"fixTime"`
}

// Update converts the vendor payload into the canonical update for busID.
func (p WebhookPayload) Update(busID string) gps.Update {
	u := gps.Update{BusID: busID, Latitude: p.Latitude, Longitude: p.Longitude}
	if p.Speed != nil {
		kmh := *p.Speed * geo.KnotsToKmh
		u.Speed = &kmh
	}
	if p.Course != nil {
		h := int(math.Round(*p.Course))
		u.Heading = &h
	}
	return u
}

// FixTime accepts either an RFC 3339 string or unix milliseconds.
type FixTime struct {
	time.Time
}

func (t *FixTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("fixTime: %w", err)
		}
		t.Time = parsed
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("fixTime: expected RFC 3339 string or unix milliseconds")
	}
	t.Time = time.UnixMilli(ms)
	return nil
}
