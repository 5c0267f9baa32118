package transmit

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"bus-buddy/internal/gps"
)

const (
	DefaultMinInterval = 15 * time.Second
	DefaultSendTimeout = 5 * time.Second
)

// Outcome of the most recent send attempt.
type Outcome string

const (
	OutcomeNone    Outcome = "none"
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Sender delivers one canonical update to the ingestion side.
type Sender interface {
	Send(ctx context.Context, u gps.Update) error
}

type Metrics interface {
	SentInc()
	SendErrInc()
	ThrottledInc()
	SendObserve(d time.Duration)
}

type Options struct {
	MinInterval time.Duration
	SendTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// Dispatch runs a send off the caller's path. Defaults to a goroutine.
	Dispatch func(func())
	// OnOutcome, when set, observes pending/success/error transitions.
	OnOutcome func(o Outcome, at time.Time)
	Metrics   Metrics
}

// Transmitter rate-limits outbound updates for one tracking session.
// Sends are fire-and-forget: failures are logged and never retried.
type Transmitter struct {
	sender Sender
	opts   Options

	mu         sync.Mutex
	lastSentAt time.Time
}

func New(sender Sender, opts Options) *Transmitter {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(f func()) { go f() }
	}
	return &Transmitter{sender: sender, opts: opts}
}

// Transmit reports whether a send was dispatched for fix. A missing busID
// or an unexpired interval is not an error.
func (t *Transmitter) Transmit(fix gps.Fix, busID, tripID string) bool {
	if busID == "" {
		log.Printf("transmit: no bus assigned, dropping fix at %s", fix.Timestamp.Format(time.RFC3339))
		return false
	}

	now := t.opts.Now()
	t.mu.Lock()
	if !t.lastSentAt.IsZero() && now.Sub(t.lastSentAt) < t.opts.MinInterval {
		t.mu.Unlock()
		if t.opts.Metrics != nil {
			t.opts.Metrics.ThrottledInc()
		}
		return false
	}
	// claimed before the send so a slow request cannot let a burst through
	t.lastSentAt = now
	t.mu.Unlock()

	u := gps.NewUpdate(fix, busID, tripID)
	t.outcome(OutcomePending, now)
	t.opts.Dispatch(func() { t.send(u) })
	return true
}

// LastSentAt returns the time of the last dispatched send, zero if none.
func (t *Transmitter) LastSentAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSentAt
}

func (t *Transmitter) send(u gps.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.SendTimeout)
	defer cancel()

	start := time.Now()
	err := t.sender.Send(ctx, u)
	if t.opts.Metrics != nil {
		t.opts.Metrics.SendObserve(time.Since(start))
		if err != nil {
			t.opts.Metrics.SendErrInc()
		} else {
			t.opts.Metrics.SentInc()
		}
	}
	if err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) {
			log.Printf("transmit: bus %s update rejected: %v (payload %s)", u.BusID, rej, describe(u))
		} else {
			log.Printf("transmit: bus %s send failed: %v", u.BusID, err)
		}
		t.outcome(OutcomeError, t.opts.Now())
		return
	}
	t.outcome(OutcomeSuccess, t.opts.Now())
}

func (t *Transmitter) outcome(o Outcome, at time.Time) {
	if t.opts.OnOutcome != nil {
		t.opts.OnOutcome(o, at)
	}
}
