// Package location defines the capability interface the tracking pipeline
// uses to receive device positions. Concrete platforms live in subpackages.
package location

import (
	"context"
	"errors"
	"time"

	"bus-buddy/internal/gps"
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrTimeout             = errors.New("location request timed out")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrSubscriptionLost    = errors.New("location subscription lost")
	ErrUnknownWatch        = errors.New("unknown watch handle")
)

// Permission is the last known state of the location permission.
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionPrompt  Permission = "prompt"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// WatchOptions mirror the platform watch options. Timeout bounds the wait
// for each fix; zero disables it.
type WatchOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

// DefaultWatchOptions uses a 10s acquisition bound.
func DefaultWatchOptions() WatchOptions {
	return WatchOptions{HighAccuracy: true, Timeout: 10 * time.Second}
}

// WatchHandle identifies one subscription.
type WatchHandle uint64

// Callbacks receive samples and errors for one watch. Errors wrap one of
// the package sentinels.
type Callbacks struct {
	OnSample func(gps.RawSample)
	OnError  func(error)
}

// Provider is implemented once per platform.
type Provider interface {
	CheckPermission(ctx context.Context) (Permission, error)
	RequestPermission(ctx context.Context) (Permission, error)
	GetCurrentPosition(ctx context.Context, opts WatchOptions) (gps.RawSample, error)
	WatchPosition(opts WatchOptions, cb Callbacks) (WatchHandle, error)
	ClearWatch(h WatchHandle) error
}

// IsTransient reports whether err is a sensor error the session can
// recover from on a later callback.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrPositionUnavailable)
}
