package transmit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bus-buddy/internal/gps"
)

const (
	busID  = "3f1c2a4e-5b6d-4e7f-8a9b-0c1d2e3f4a5b"
	tripID = "9a8b7c6d-5e4f-4a3b-9c2d-1e0f9a8b7c6d"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingSender struct {
	mu    sync.Mutex
	sent  []gps.Update
	err   error
	block chan struct{}
}

func (s *recordingSender) Send(_ context.Context, u gps.Update) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, u)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func inline(f func()) { f() }

func fixAt(lat float64) gps.Fix {
	speed := 30.0
	return gps.Fix{Latitude: lat, Longitude: 3.3792, SpeedKmh: &speed}
}

func TestThrottleWithinInterval(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(0)}
	sender := &recordingSender{}
	tr := New(sender, Options{MinInterval: 15 * time.Second, Now: clock.Now, Dispatch: inline})

	if !tr.Transmit(fixAt(6.5244), busID, tripID) {
		t.Fatal("first fix should be sent")
	}
	clock.Advance(5 * time.Second)
	if tr.Transmit(fixAt(6.5250), busID, tripID) {
		t.Error("second fix within interval should be throttled")
	}
	if n := sender.count(); n != 1 {
		t.Errorf("expected exactly one network call, got %d", n)
	}
	if !tr.LastSentAt().Equal(time.UnixMilli(0)) {
		t.Errorf("throttled call must not move lastSentAt, got %s", tr.LastSentAt())
	}
}

func TestThrottleProgression(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(0)}
	sender := &recordingSender{}
	tr := New(sender, Options{MinInterval: 15 * time.Second, Now: clock.Now, Dispatch: inline})

	tr.Transmit(fixAt(6.5244), busID, "")
	clock.Advance(16 * time.Second)
	tr.Transmit(fixAt(6.5250), busID, "")

	if n := sender.count(); n != 2 {
		t.Fatalf("expected two network calls, got %d", n)
	}
	if sender.sent[1].TripID != nil {
		t.Errorf("expected nil trip id, got %v", *sender.sent[1].TripID)
	}
}

func TestThrottleDefaultsTo15s(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_000)}
	sender := &recordingSender{}
	tr := New(sender, Options{Now: clock.Now, Dispatch: inline})

	tr.Transmit(fixAt(1), busID, "")
	clock.Advance(14_999 * time.Millisecond)
	tr.Transmit(fixAt(2), busID, "")
	clock.Advance(time.Millisecond)
	tr.Transmit(fixAt(3), busID, "")

	if n := sender.count(); n != 2 {
		t.Errorf("expected 2 sends, got %d", n)
	}
}

func TestMissingBusIsNoop(t *testing.T) {
	sender := &recordingSender{}
	tr := New(sender, Options{Dispatch: inline})
	if tr.Transmit(fixAt(1), "", tripID) {
		t.Error("expected no-op without a bus")
	}
	if sender.count() != 0 {
		t.Error("no network call expected")
	}
	if !tr.LastSentAt().IsZero() {
		t.Error("lastSentAt should be untouched")
	}
}

func TestTimestampClaimedBeforeSlowSend(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(0)}
	sender := &recordingSender{block: make(chan struct{})}
	var wg sync.WaitGroup
	tr := New(sender, Options{
		Now: clock.Now,
		Dispatch: func(f func()) {
			wg.Add(1)
			go func() { defer wg.Done(); f() }()
		},
	})

	tr.Transmit(fixAt(1), busID, "")
	// the first send is still in flight
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if tr.Transmit(fixAt(2), busID, "") {
			t.Fatal("burst allowed while first send is in flight")
		}
	}
	close(sender.block)
	wg.Wait()
	if n := sender.count(); n != 1 {
		t.Errorf("expected 1 send, got %d", n)
	}
}

func TestFailureIsNotRetried(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(0)}
	sender := &recordingSender{err: errors.New("connection refused")}
	var outcomes []Outcome
	tr := New(sender, Options{
		Now:       clock.Now,
		Dispatch:  inline,
		OnOutcome: func(o Outcome, _ time.Time) { outcomes = append(outcomes, o) },
	})

	if !tr.Transmit(fixAt(1), busID, "") {
		t.Fatal("expected dispatch")
	}
	if sender.count() != 1 {
		t.Errorf("expected single attempt, got %d", sender.count())
	}
	want := []Outcome{OutcomePending, OutcomeError}
	if len(outcomes) != len(want) || outcomes[0] != want[0] || outcomes[1] != want[1] {
		t.Errorf("expected %v, got %v", want, outcomes)
	}

	clock.Advance(time.Second)
	tr.Transmit(fixAt(1), busID, "")
	if sender.count() != 1 {
		t.Error("failure must not reopen the interval")
	}
}

func TestHTTPSender(t *testing.T) {
	var got gps.Update
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		if *got.Latitude > 90 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(gps.Rejection{
				Error:   "validation failed",
				Details: []gps.FieldError{{Field: "latitude", Message: "must be <= 90"}},
			})
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL)
	speed := 12.5
	if err := s.Send(context.Background(), gps.NewUpdate(gps.Fix{Latitude: 6.5, Longitude: 3.3, SpeedKmh: &speed}, busID, tripID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.BusID != busID || got.TripID == nil || *got.TripID != tripID || *got.Speed != 12.5 {
		t.Errorf("unexpected payload %+v", got)
	}

	err := s.Send(context.Background(), gps.NewUpdate(gps.Fix{Latitude: 91, Longitude: 3.3}, busID, ""))
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if !errors.Is(err, ErrRejected) {
		t.Error("rejection should match ErrRejected")
	}
	if rej.Status != http.StatusBadRequest || len(rej.Details) != 1 || rej.Details[0].Field != "latitude" {
		t.Errorf("unexpected rejection %+v", rej)
	}
}

type fakeRequester struct {
	subject string
	reply   []byte
	err     error
}

func (f *fakeRequester) Request(_ context.Context, subject string, _ []byte) ([]byte, error) {
	f.subject = subject
	return f.reply, f.err
}

func TestNATSSender(t *testing.T) {
	req := &fakeRequester{reply: []byte(`{}`)}
	s := &NATSSender{Requester: req, Subject: "gps.ingest"}
	if err := s.Send(context.Background(), gps.NewUpdate(gps.Fix{Latitude: 1, Longitude: 2}, busID, "")); err != nil {
		t.Fatal(err)
	}
	if req.subject != "gps.ingest" {
		t.Errorf("unexpected subject %q", req.subject)
	}

	req.reply = []byte(`{"error":"validation failed","details":[{"field":"busId","message":"must be a valid UUID v4"}]}`)
	err := s.Send(context.Background(), gps.NewUpdate(gps.Fix{Latitude: 1, Longitude: 2}, "nope", ""))
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected rejection, got %v", err)
	}

	req.err = errors.New("no responders")
	if err := s.Send(context.Background(), gps.NewUpdate(gps.Fix{}, busID, "")); err == nil || errors.Is(err, ErrRejected) {
		t.Errorf("expected transport error, got %v", err)
	}
}
