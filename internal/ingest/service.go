// Package ingest is the single write path into the location store: direct
// client posts, third-party tracker webhooks and NATS submissions all go
// through Service.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"bus-buddy/internal/db"
	"bus-buddy/internal/gps"
	"bus-buddy/internal/publisher"
)

const (
	SourceClient  = "client"
	SourceWebhook = "webhook"
	SourceNATS    = "nats"
)

var (
	ErrInvalid       = errors.New("validation failed")
	ErrUnknownDevice = errors.New("unknown tracker device")
	ErrNotFound      = errors.New("no location recorded")
)

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Details []gps.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+" "+d.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

type Store interface {
	InsertLocation(ctx context.Context, loc db.Location) error
	LatestLocation(ctx context.Context, busID string) (*db.Location, error)
	LocationHistory(ctx context.Context, busID string, start, end time.Time) ([]db.Location, error)
	Ping(ctx context.Context) error
}

type Publisher interface {
	PublishPosition(msg publisher.PositionMessage) error
	Connected() bool
}

type Metrics interface {
	AcceptedInc(source string)
	RejectedInc(reason string)
	UnknownDeviceInc()
	StoreObserve(d time.Duration)
}

type Options struct {
	Devices   DeviceDirectory
	Publisher Publisher
	Metrics   Metrics
	Now       func() time.Time
	NewID     func() string
}

type Service struct {
	store    Store
	opts     Options
	validate *Validator
}

func NewService(store Store, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{store: store, opts: opts, validate: NewValidator()}
}

// Ingest validates u and appends it to the store. Accepted rows are
// fanned out on NATS when a publisher is configured; publish failures do
// not fail the request.
func (s *Service) Ingest(ctx context.Context, u gps.Update, source string, recordedAt time.Time) (*db.Location, error) {
	u = u.Canonical()
	if errs := s.validate.Check(u); len(errs) > 0 {
		s.rejected("invalid")
		return nil, &ValidationError{Details: errs}
	}
	if recordedAt.IsZero() {
		recordedAt = s.opts.Now()
	}
	loc := db.Location{
		ID:         s.opts.NewID(),
		BusID:      u.BusID,
		TripID:     u.TripID,
		Latitude:   *u.Latitude,
		Longitude:  *u.Longitude,
		SpeedKmh:   u.Speed,
		Heading:    u.Heading,
		Source:     source,
		RecordedAt: recordedAt.UTC(),
	}

	start := time.Now()
	err := s.store.InsertLocation(ctx, loc)
	if s.opts.Metrics != nil {
		s.opts.Metrics.StoreObserve(time.Since(start))
	}
	if err != nil {
		s.rejected("store")
		return nil, err
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.AcceptedInc(source)
	}

	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.PublishPosition(toMessage(loc)); err != nil {
			log.Printf("ingest: publish bus %s: %v", loc.BusID, err)
		}
	}
	return &loc, nil
}

// IngestWebhook converts a vendor payload and ingests it for the mapped bus.
func (s *Service) IngestWebhook(ctx context.Context, p WebhookPayload) (*db.Location, error) {
	if errs := s.validate.Check(p); len(errs) > 0 {
		s.rejected("invalid")
		return nil, &ValidationError{Details: errs}
	}
	if s.opts.Devices == nil {
		return nil, s.unknownDevice(*p.DeviceID)
	}
	busID, err := s.opts.Devices.BusForDevice(ctx, *p.DeviceID)
	if errors.Is(err, ErrUnknownDevice) {
		return nil, s.unknownDevice(*p.DeviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve device %d: %w", *p.DeviceID, err)
	}

	var recordedAt time.Time
	if p.FixTime != nil {
		recordedAt = p.FixTime.Time
	}
	return s.Ingest(ctx, p.Update(busID), SourceWebhook, recordedAt)
}

func (s *Service) unknownDevice(id int64) error {
	if s.opts.Metrics != nil {
		s.opts.Metrics.UnknownDeviceInc()
	}
	s.rejected("unknown_device")
	return fmt.Errorf("device %d: %w", id, ErrUnknownDevice)
}

func (s *Service) rejected(reason string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RejectedInc(reason)
	}
}

func (s *Service) Latest(ctx context.Context, busID string) (*db.Location, error) {
	loc, err := s.store.LatestLocation(ctx, gps.CanonicalID(busID))
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	return loc, err
}

func (s *Service) History(ctx context.Context, busID string, start, end time.Time) ([]db.Location, error) {
	return s.store.LocationHistory(ctx, gps.CanonicalID(busID), start, end)
}

// Health is the dependency status served on /healthz.
type Health struct {
	OK       bool   `json:"ok"`
	Postgres string `json:"postgres"`
	NATS     string `json:"nats"`
}

func (s *Service) Health(ctx context.Context) Health {
	h := Health{OK: true, Postgres: "ok", NATS: "disabled"}
	if err := s.store.Ping(ctx); err != nil {
		h.OK = false
		h.Postgres = err.Error()
	}
	if s.opts.Publisher != nil {
		if s.opts.Publisher.Connected() {
			h.NATS = "ok"
		} else {
			h.OK = false
			h.NATS = "disconnected"
		}
	}
	return h
}

func toMessage(loc db.Location) publisher.PositionMessage {
	return publisher.PositionMessage{
		BusID:      loc.BusID,
		TripID:     loc.TripID,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		SpeedKmh:   loc.SpeedKmh,
		Heading:    loc.Heading,
		Source:     loc.Source,
		RecordedAt: loc.RecordedAt,
	}
}
