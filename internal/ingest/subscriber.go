package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"bus-buddy/internal/db"
	"bus-buddy/internal/gps"
)

type ingester interface {
	Ingest(ctx context.Context, u gps.Update, source string, recordedAt time.Time) (*db.Location, error)
}

// RequestSource is satisfied by publisher.NATSPublisher.
type RequestSource interface {
	HandleRequests(subject, queue string, handle func(ctx context.Context, data []byte) []byte) (func() error, error)
}

// Subscriber accepts canonical updates over NATS request/reply. Replies use
// the same rejection body as the HTTP endpoint; an empty object means the
// update was stored.
type Subscriber struct {
	svc     ingester
	src     RequestSource
	subject string
	queue   string
	unsub   func() error
}

func NewSubscriber(svc ingester, src RequestSource, subject, queue string) *Subscriber {
	return &Subscriber{svc: svc, src: src, subject: subject, queue: queue}
}

func (s *Subscriber) Start() error {
	unsub, err := s.src.HandleRequests(s.subject, s.queue, s.handle)
	if err != nil {
		return err
	}
	s.unsub = unsub
	log.Printf("ingest: accepting updates on nats subject %s (queue %s)", s.subject, s.queue)
	return nil
}

func (s *Subscriber) Stop() error {
	if s.unsub == nil {
		return nil
	}
	err := s.unsub()
	s.unsub = nil
	return err
}

func (s *Subscriber) handle(ctx context.Context, data []byte) []byte {
	var u gps.Update
	if err := json.Unmarshal(data, &u); err != nil {
		log.Printf("ingest: invalid nats payload: %v", err)
		return reply(gps.Rejection{
			Error:   "malformed request body",
			Details: []gps.FieldError{{Field: "body", Message: err.Error()}},
			Status:  http.StatusBadRequest,
		})
	}

	_, err := s.svc.Ingest(ctx, u, SourceNATS, time.Time{})
	var ve *ValidationError
	switch {
	case err == nil:
		return []byte(`{}`)
	case errors.As(err, &ve):
		log.Printf("ingest: rejected nats update for bus %q: %v", u.BusID, ve)
		return reply(gps.Rejection{Error: ErrInvalid.Error(), Details: ve.Details, Status: http.StatusBadRequest})
	default:
		log.Printf("ingest: nats update for bus %q: %v", u.BusID, err)
		return reply(gps.Rejection{Error: "failed to store location", Status: http.StatusInternalServerError})
	}
}

func reply(r gps.Rejection) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"error":"internal error","status":500}`)
	}
	return b
}
