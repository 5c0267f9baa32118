package tracking

import (
	"time"

	"bus-buddy/internal/gps"
	"bus-buddy/internal/location"
	"bus-buddy/internal/transmit"
)

type Stage string

const (
	StageIdle      Stage = "idle"
	StageAcquiring Stage = "acquiring"
	StageTracking  Stage = "tracking"
	StageError     Stage = "error"
)

// Session is the state of one tracking lifecycle. It is owned by the
// Controller and only touched under its lock.
type Session struct {
	BusID  string
	TripID string

	lastFix     *gps.Fix
	handle      location.WatchHandle
	hasHandle   bool
	transmitter *transmit.Transmitter
	gen         uint64
}

// Diagnostics is a read-only snapshot for presentation code.
type Diagnostics struct {
	Stage             Stage               `json:"stage"`
	PermissionStatus  location.Permission `json:"permissionStatus"`
	LastFixAgeSeconds *float64            `json:"lastFixAgeSeconds"`
	FixesProcessed    int64               `json:"fixesProcessed"`
	LastSend          transmit.Outcome    `json:"lastSend"`
	LastSendAt        *time.Time          `json:"lastSendAt"`
	LastFix           *gps.Fix            `json:"lastFix"`
	LastError         string              `json:"lastError,omitempty"`
	Message           string              `json:"message,omitempty"`
}

// Notification is a user-visible message raised for permission and hard
// subscription failures.
type Notification struct {
	Stage   Stage
	Message string
	Err     error
}
