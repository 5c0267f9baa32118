package publisher

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"3f1c2a4e-5b6d-4e7f-8a9b-0c1d2e3f4a5b", "3f1c2a4e-5b6d-4e7f-8a9b-0c1d2e3f4a5b"},
		{" bus 12 ", "bus_12"},
		{"a.b>c*d/e", "a_b_c_d_e"},
		{"", "_"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := subjectToken(tt.in); got != tt.want {
				t.Errorf("subjectToken(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSubjects(t *testing.T) {
	if got := PositionSubject("bus.1"); got != "buses.bus_1.location" {
		t.Errorf("unexpected position subject %q", got)
	}
	if got := TripStateSubject("b1"); got != "buses.b1.trip" {
		t.Errorf("unexpected trip subject %q", got)
	}
}

func TestPositionMessageOmitsMissingValues(t *testing.T) {
	b, err := json.Marshal(PositionMessage{
		BusID: "b1", Latitude: 1, Longitude: 2, Source: "webhook",
		RecordedAt: time.Unix(0, 0).UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"tripId", "speed", "heading"} {
		if _, ok := m[k]; ok {
			t.Errorf("expected %s to be omitted: %s", k, b)
		}
	}
}
