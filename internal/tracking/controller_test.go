package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bus-buddy/internal/gps"
	"bus-buddy/internal/location"
	"bus-buddy/internal/transmit"
)

const testBus = "3f1c2a4e-5b6d-4e7f-8a9b-0c1d2e3f4a5b"

type fakeProvider struct {
	mu         sync.Mutex
	check      location.Permission
	request    location.Permission
	hang       chan struct{} // closed when RequestPermission starts waiting for ctx
	first      *gps.RawSample
	firstErr   error
	watchErr   error
	watchCalls int
	cleared    []location.WatchHandle
	cb         location.Callbacks
	next       location.WatchHandle
}

func (p *fakeProvider) CheckPermission(context.Context) (location.Permission, error) {
	return p.check, nil
}

func (p *fakeProvider) RequestPermission(ctx context.Context) (location.Permission, error) {
	if p.hang != nil {
		close(p.hang)
		<-ctx.Done()
		return location.PermissionUnknown, ctx.Err()
	}
	return p.request, nil
}

func (p *fakeProvider) GetCurrentPosition(context.Context, location.WatchOptions) (gps.RawSample, error) {
	if p.first != nil {
		return *p.first, nil
	}
	if p.firstErr != nil {
		return gps.RawSample{}, p.firstErr
	}
	return gps.RawSample{}, location.ErrPositionUnavailable
}

func (p *fakeProvider) WatchPosition(_ location.WatchOptions, cb location.Callbacks) (location.WatchHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchCalls++
	if p.watchErr != nil {
		return 0, p.watchErr
	}
	p.next++
	p.cb = cb
	return p.next, nil
}

func (p *fakeProvider) ClearWatch(h location.WatchHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared = append(p.cleared, h)
	return nil
}

func (p *fakeProvider) emit(s gps.RawSample) { p.cb.OnSample(s) }
func (p *fakeProvider) fail(err error)       { p.cb.OnError(err) }

type recordingSender struct {
	mu   sync.Mutex
	sent []gps.Update
}

func (s *recordingSender) Send(_ context.Context, u gps.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, u)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stageLog struct {
	mu     sync.Mutex
	stages []Stage
}

func (l *stageLog) add(s Stage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, s)
}

func (l *stageLog) String() string { return fmt.Sprint(l.stages) }

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newController(t *testing.T, p *fakeProvider, s *recordingSender, clk *clock, stages *stageLog) *Controller {
	t.Helper()
	cfg := Config{
		BusID:    testBus,
		Transmit: transmit.Options{Now: clk.Now, Dispatch: func(f func()) { f() }},
		Now:      clk.Now,
	}
	if stages != nil {
		cfg.OnStage = stages.add
	}
	c, err := New(p, s, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func sample(lat, lng float64, ts time.Time) gps.RawSample {
	return gps.RawSample{Latitude: lat, Longitude: lng, AccuracyMeters: 5, Timestamp: ts}
}

func TestNewRequiresProvider(t *testing.T) {
	if _, err := New(nil, &recordingSender{}, Config{}); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	p := &fakeProvider{check: location.PermissionGranted}
	c := newController(t, p, &recordingSender{}, &clock{now: time.UnixMilli(0)}, nil)

	for i := 0; i < 3; i++ {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if p.watchCalls != 1 {
		t.Fatalf("expected one subscription, got %d", p.watchCalls)
	}
	if c.Stage() != StageTracking {
		t.Fatalf("expected tracking, got %s", c.Stage())
	}

	c.Stop()
	if len(p.cleared) != 1 || p.cleared[0] != 1 {
		t.Fatalf("expected handle 1 released once, got %v", p.cleared)
	}
	c.Stop()
	if len(p.cleared) != 1 {
		t.Errorf("second stop must not clear again, got %v", p.cleared)
	}
	if c.Stage() != StageIdle {
		t.Errorf("expected idle, got %s", c.Stage())
	}
}

func TestPermissionDenied(t *testing.T) {
	p := &fakeProvider{check: location.PermissionPrompt, request: location.PermissionDenied}
	stages := &stageLog{}
	var notes []Notification
	c, err := New(p, &recordingSender{}, Config{
		BusID:   testBus,
		OnStage: stages.add,
		Notify:  func(n Notification) { notes = append(notes, n) },
	})
	if err != nil {
		t.Fatal(err)
	}

	err = c.Start(context.Background())
	if !errors.Is(err, location.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if got := stages.String(); got != "[acquiring error]" {
		t.Errorf("unexpected stage sequence %s", got)
	}
	if p.watchCalls != 0 {
		t.Error("no subscription expected")
	}
	d := c.Diagnostics()
	if d.PermissionStatus != location.PermissionDenied {
		t.Errorf("expected denied, got %s", d.PermissionStatus)
	}
	if len(notes) != 1 || notes[0].Message == "" {
		t.Errorf("expected one user notification, got %+v", notes)
	}

	// explicit retry after the user grants access
	p.request = location.PermissionGranted
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Stage() != StageTracking {
		t.Errorf("expected tracking after retry, got %s", c.Stage())
	}
}

func TestWatchFailure(t *testing.T) {
	p := &fakeProvider{check: location.PermissionGranted, watchErr: location.ErrPositionUnavailable}
	c := newController(t, p, &recordingSender{}, &clock{}, nil)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if c.Stage() != StageError {
		t.Errorf("expected error stage, got %s", c.Stage())
	}
}

func TestTrackingFlow(t *testing.T) {
	p := &fakeProvider{check: location.PermissionGranted}
	s := &recordingSender{}
	clk := &clock{now: time.UnixMilli(0)}
	c := newController(t, p, s, clk, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.emit(sample(6.5244, 3.3792, time.UnixMilli(0)))
	clk.now = time.UnixMilli(10_000)
	p.emit(sample(6.5254, 3.3792, time.UnixMilli(10_000)))
	clk.now = time.UnixMilli(16_000)
	p.emit(sample(6.5260, 3.3792, time.UnixMilli(16_000)))

	if n := s.count(); n != 2 {
		t.Fatalf("expected 2 sends, got %d", n)
	}
	second := s.sent[1]
	if second.BusID != testBus || second.Speed == nil || second.Heading == nil {
		t.Fatalf("unexpected update %+v", second)
	}
	if *second.Heading != 0 {
		t.Errorf("expected northbound heading 0, got %d", *second.Heading)
	}

	clk.now = time.UnixMilli(18_000)
	d := c.Diagnostics()
	if d.FixesProcessed != 3 {
		t.Errorf("expected 3 fixes, got %d", d.FixesProcessed)
	}
	if d.LastFixAgeSeconds == nil || *d.LastFixAgeSeconds != 2 {
		t.Errorf("unexpected fix age %v", d.LastFixAgeSeconds)
	}
	if d.LastSend != transmit.OutcomeSuccess || d.LastSendAt == nil {
		t.Errorf("unexpected send state %s %v", d.LastSend, d.LastSendAt)
	}
}

func TestLateCallbackDiscarded(t *testing.T) {
	p := &fakeProvider{check: location.PermissionGranted}
	s := &recordingSender{}
	c := newController(t, p, s, &clock{now: time.UnixMilli(0)}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Stop()
	p.emit(sample(6.5244, 3.3792, time.UnixMilli(0)))
	p.fail(location.ErrSubscriptionLost)

	if s.count() != 0 {
		t.Error("late sample must not be transmitted")
	}
	d := c.Diagnostics()
	if d.FixesProcessed != 0 || d.Stage != StageIdle {
		t.Errorf("late callbacks must not change state: %+v", d)
	}
}

func TestTransientErrorKeepsTracking(t *testing.T) {
	p := &fakeProvider{check: location.PermissionGranted}
	c := newController(t, p, &recordingSender{}, &clock{}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	p.fail(fmt.Errorf("no fix: %w", location.ErrTimeout))
	if c.Stage() != StageTracking {
		t.Fatalf("transient error should not stop tracking, got %s", c.Stage())
	}
	if c.Diagnostics().LastError == "" {
		t.Error("transient error should be recorded")
	}

	p.fail(location.ErrSubscriptionLost)
	if c.Stage() != StageError {
		t.Fatalf("expected error stage, got %s", c.Stage())
	}
	if len(p.cleared) != 1 {
		t.Errorf("handle should be released on hard failure, got %v", p.cleared)
	}
}

func TestSetEnabled(t *testing.T) {
	p := &fakeProvider{check: location.PermissionGranted}
	stages := &stageLog{}
	c := newController(t, p, &recordingSender{}, &clock{}, stages)
	ctx := context.Background()

	if err := c.SetEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := c.SetEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if p.watchCalls != 1 {
		t.Errorf("expected one subscription, got %d", p.watchCalls)
	}
	if err := c.SetEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got := stages.String(); got != "[acquiring tracking idle]" {
		t.Errorf("unexpected stage sequence %s", got)
	}
	if len(p.cleared) != 1 {
		t.Errorf("expected release on disable, got %v", p.cleared)
	}
}

func TestSetAssignmentAppliesToSession(t *testing.T) {
	p := &fakeProvider{check: location.PermissionGranted}
	s := &recordingSender{}
	c := newController(t, p, s, &clock{now: time.UnixMilli(0)}, nil)
	c.SetAssignment("", "")
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.emit(sample(1, 1, time.UnixMilli(0)))
	if s.count() != 0 {
		t.Fatal("no bus assigned, nothing should be sent")
	}

	c.SetAssignment(testBus, "")
	p.emit(sample(1.0001, 1, time.UnixMilli(1_000)))
	if s.count() != 1 {
		t.Fatalf("expected a send after assignment, got %d", s.count())
	}
}

func TestAcquireTimeout(t *testing.T) {
	p := &fakeProvider{check: location.PermissionPrompt, hang: make(chan struct{})}
	var notes []Notification
	c, err := New(p, &recordingSender{}, Config{
		BusID:          testBus,
		AcquireTimeout: 20 * time.Millisecond,
		Notify:         func(n Notification) { notes = append(notes, n) },
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after the acquire timeout")
	}
	if !errors.Is(err, location.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if c.Stage() != StageError {
		t.Fatalf("expected error stage, got %s", c.Stage())
	}
	if p.watchCalls != 0 {
		t.Error("no subscription expected")
	}
	if len(notes) != 1 || notes[0].Message != msgAcquireTimeout {
		t.Errorf("expected timeout notification, got %+v", notes)
	}

	// the controller is not stuck: a later start can succeed
	p.hang, p.request = nil, location.PermissionGranted
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Stage() != StageTracking {
		t.Errorf("expected tracking, got %s", c.Stage())
	}
}

func TestStopWhileAcquiring(t *testing.T) {
	p := &fakeProvider{check: location.PermissionPrompt, hang: make(chan struct{})}
	var notes []Notification
	c, err := New(p, &recordingSender{}, Config{
		BusID:          testBus,
		AcquireTimeout: time.Minute,
		Notify:         func(n Notification) { notes = append(notes, n) },
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	<-p.hang
	if c.Stage() != StageAcquiring {
		t.Fatalf("expected acquiring, got %s", c.Stage())
	}
	c.Stop()

	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not end the acquisition")
	}
	if err != nil {
		t.Errorf("a stopped start is not an error, got %v", err)
	}
	if c.Stage() != StageIdle {
		t.Errorf("expected idle, got %s", c.Stage())
	}
	if p.watchCalls != 0 || len(notes) != 0 {
		t.Errorf("expected no subscription and no notification, got %d %+v", p.watchCalls, notes)
	}
}

func TestFirstFixIsSent(t *testing.T) {
	first := sample(6.5244, 3.3792, time.UnixMilli(0))
	p := &fakeProvider{check: location.PermissionGranted, first: &first}
	s := &recordingSender{}
	c := newController(t, p, s, &clock{now: time.UnixMilli(0)}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.count() != 1 {
		t.Fatalf("expected the first fix to be sent, got %d", s.count())
	}
	d := c.Diagnostics()
	if d.FixesProcessed != 1 || d.LastError != "" || d.Stage != StageTracking {
		t.Errorf("unexpected diagnostics %+v", d)
	}
}

func TestFirstFixHardFailure(t *testing.T) {
	p := &fakeProvider{check: location.PermissionGranted, firstErr: fmt.Errorf("user revoked: %w", location.ErrPermissionDenied)}
	c := newController(t, p, &recordingSender{}, &clock{}, nil)

	if err := c.Start(context.Background()); !errors.Is(err, location.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if c.Stage() != StageError || p.watchCalls != 0 {
		t.Errorf("expected error stage without subscription, got %s %d", c.Stage(), p.watchCalls)
	}
}

func TestSetEnabledFollowsStage(t *testing.T) {
	ctx := context.Background()

	t.Run("retries after failure", func(t *testing.T) {
		p := &fakeProvider{check: location.PermissionPrompt, request: location.PermissionDenied}
		c := newController(t, p, &recordingSender{}, &clock{}, nil)
		if err := c.SetEnabled(ctx, true); !errors.Is(err, location.ErrPermissionDenied) {
			t.Fatalf("expected permission error, got %v", err)
		}
		p.request = location.PermissionGranted
		if err := c.SetEnabled(ctx, true); err != nil {
			t.Fatal(err)
		}
		if c.Stage() != StageTracking || p.watchCalls != 1 {
			t.Errorf("expected tracking with one watch, got %s %d", c.Stage(), p.watchCalls)
		}
	})

	t.Run("disable after direct start", func(t *testing.T) {
		p := &fakeProvider{check: location.PermissionGranted}
		c := newController(t, p, &recordingSender{}, &clock{}, nil)
		if err := c.Start(ctx); err != nil {
			t.Fatal(err)
		}
		if err := c.SetEnabled(ctx, false); err != nil {
			t.Fatal(err)
		}
		if c.Stage() != StageIdle || len(p.cleared) != 1 {
			t.Errorf("expected idle with released handle, got %s %v", c.Stage(), p.cleared)
		}
	})
}
