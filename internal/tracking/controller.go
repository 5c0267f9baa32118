package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bus-buddy/internal/gps"
	"bus-buddy/internal/location"
	"bus-buddy/internal/transmit"
)

var ErrNoProvider = errors.New("tracking: location provider is required")

// DefaultAcquireTimeout bounds permission handling and the first fix.
const DefaultAcquireTimeout = 10 * time.Second

const (
	msgPermissionDenied = "Location access was denied. Enable location permission for this app and start tracking again."
	msgSubscriptionLost = "Location tracking stopped unexpectedly. Start tracking again."
	msgAcquireTimeout   = "Could not get your location in time. Check that location is on and start tracking again."
)

type Metrics interface {
	FixProcessedInc()
	StageSet(s Stage)
}

type Config struct {
	BusID  string
	TripID string

	Watch location.WatchOptions
	// AcquireTimeout bounds the acquiring stage. Zero means
	// DefaultAcquireTimeout.
	AcquireTimeout time.Duration
	Normalizer     gps.Normalizer
	Transmit       transmit.Options

	// Notify receives user-visible notifications. It runs without the
	// controller lock held.
	Notify func(Notification)
	// OnStage observes every stage transition. It runs under the controller
	// lock and must not call back into the controller.
	OnStage func(Stage)
	Metrics Metrics
	Now     func() time.Time
}

// Controller drives one driver's tracking lifecycle:
// idle -> acquiring -> tracking -> (error | idle).
type Controller struct {
	provider location.Provider
	sender   transmit.Sender
	cfg      Config

	mu         sync.Mutex
	stage      Stage
	gen        uint64
	session    *Session
	cancelAcq  context.CancelFunc
	permission location.Permission
	fixes      int64
	lastFixAt  time.Time
	lastFix    *gps.Fix
	lastError  string
	message    string

	sendMu     sync.Mutex
	lastSend   transmit.Outcome
	lastSendAt time.Time
}

func New(provider location.Provider, sender transmit.Sender, cfg Config) (*Controller, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if sender == nil {
		return nil, errors.New("tracking: sender is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Normalizer.Policy.MaxKmh == 0 {
		cfg.Normalizer = gps.NewNormalizer()
	}
	if cfg.Watch == (location.WatchOptions{}) {
		cfg.Watch = location.DefaultWatchOptions()
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	return &Controller{
		provider:   provider,
		sender:     sender,
		cfg:        cfg,
		stage:      StageIdle,
		permission: location.PermissionUnknown,
		lastSend:   transmit.OutcomeNone,
	}, nil
}

func (c *Controller) setStageLocked(s Stage) {
	if c.stage == s {
		return
	}
	c.stage = s
	if c.cfg.OnStage != nil {
		c.cfg.OnStage(s)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.StageSet(s)
	}
}

// SetAssignment changes the bus and trip that fixes are sent for. It
// applies to the running session as well.
func (c *Controller) SetAssignment(busID, tripID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.BusID, c.cfg.TripID = busID, tripID
	if c.session != nil {
		c.session.BusID, c.session.TripID = busID, tripID
	}
}

// SetEnabled makes the stage follow the flag. Enabling starts a session
// from idle or error; disabling always stops.
func (c *Controller) SetEnabled(ctx context.Context, enabled bool) error {
	if enabled {
		return c.Start(ctx)
	}
	c.Stop()
	return nil
}

// Start requests permission, waits for a first fix and subscribes to
// continuous updates. The acquiring stage is bounded by AcquireTimeout.
// It is a no-op while a session is acquiring or tracking.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stage == StageTracking || c.stage == StageAcquiring {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	actx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()
	c.cancelAcq = cancel
	c.lastError, c.message = "", ""
	c.setStageLocked(StageAcquiring)
	c.mu.Unlock()

	perm, err := c.ensurePermission(actx)
	if err != nil {
		return c.fail(gen, c.acquireErr(actx, err))
	}
	c.mu.Lock()
	c.permission = perm
	c.mu.Unlock()
	if perm != location.PermissionGranted {
		return c.fail(gen, location.ErrPermissionDenied)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	sess := &Session{BusID: c.cfg.BusID, TripID: c.cfg.TripID, gen: gen}
	opts := c.cfg.Transmit
	opts.OnOutcome = c.recordSend
	sess.transmitter = transmit.New(c.sender, opts)
	c.session = sess
	c.mu.Unlock()

	first, err := c.provider.GetCurrentPosition(actx, c.cfg.Watch)
	switch {
	case err == nil:
		c.handleSample(sess, first)
	case errors.Is(err, location.ErrPositionUnavailable) && actx.Err() == nil:
		// the watch below may still deliver
		c.mu.Lock()
		if c.gen == gen {
			c.lastError = err.Error()
		}
		c.mu.Unlock()
		log.Printf("tracking: no first fix: %v", err)
	default:
		return c.fail(gen, c.acquireErr(actx, err))
	}

	h, err := c.provider.WatchPosition(c.cfg.Watch, location.Callbacks{
		OnSample: func(raw gps.RawSample) { c.handleSample(sess, raw) },
		OnError:  func(err error) { c.handleError(sess, err) },
	})
	if err != nil {
		return c.fail(gen, fmt.Errorf("watch position: %w", err))
	}

	c.mu.Lock()
	if c.gen != gen || c.session != sess {
		// stopped while subscribing
		c.mu.Unlock()
		c.release(h)
		return nil
	}
	sess.handle, sess.hasHandle = h, true
	c.cancelAcq = nil
	c.setStageLocked(StageTracking)
	c.mu.Unlock()
	log.Printf("tracking: started for bus %s trip %q", sess.BusID, sess.TripID)
	return nil
}

func (c *Controller) ensurePermission(ctx context.Context) (location.Permission, error) {
	perm, err := c.provider.CheckPermission(ctx)
	if err != nil {
		return perm, fmt.Errorf("check permission: %w", err)
	}
	if perm == location.PermissionGranted {
		return perm, nil
	}
	perm, err = c.provider.RequestPermission(ctx)
	if err != nil {
		return perm, fmt.Errorf("request permission: %w", err)
	}
	return perm, nil
}

// acquireErr maps an expired acquisition deadline to ErrTimeout. A
// cancellation by Stop is returned as is and discarded by fail.
func (c *Controller) acquireErr(actx context.Context, err error) error {
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("no location within %s: %w", c.cfg.AcquireTimeout, location.ErrTimeout)
	}
	return err
}

// Stop releases the subscription and returns to idle. Safe to call from
// any stage and more than once; no callback is acted upon after it returns.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	c.cancelAcquireLocked()
	h, had := c.detachLocked()
	c.setStageLocked(StageIdle)
	c.mu.Unlock()
	if had {
		c.release(h)
		log.Printf("tracking: stopped")
	}
}

func (c *Controller) cancelAcquireLocked() {
	if c.cancelAcq != nil {
		c.cancelAcq()
		c.cancelAcq = nil
	}
}

func (c *Controller) detachLocked() (location.WatchHandle, bool) {
	s := c.session
	c.session = nil
	if s == nil || !s.hasHandle {
		return 0, false
	}
	s.hasHandle = false
	return s.handle, true
}

func (c *Controller) release(h location.WatchHandle) {
	if err := c.provider.ClearWatch(h); err != nil && !errors.Is(err, location.ErrUnknownWatch) {
		log.Printf("tracking: clear watch: %v", err)
	}
}

// fail moves the attempt identified by gen to the error stage.
func (c *Controller) fail(gen uint64, err error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	c.cancelAcquireLocked()
	h, had := c.detachLocked()
	msg := msgSubscriptionLost
	switch {
	case errors.Is(err, location.ErrPermissionDenied):
		c.permission = location.PermissionDenied
		msg = msgPermissionDenied
	case errors.Is(err, location.ErrTimeout):
		msg = msgAcquireTimeout
	}
	c.lastError, c.message = err.Error(), msg
	c.setStageLocked(StageError)
	c.mu.Unlock()

	if had {
		c.release(h)
	}
	log.Printf("tracking: %v", err)
	if c.cfg.Notify != nil {
		c.cfg.Notify(Notification{Stage: StageError, Message: msg, Err: err})
	}
	return err
}

func (c *Controller) handleSample(sess *Session, raw gps.RawSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess || c.gen != sess.gen {
		return
	}
	fix := c.cfg.Normalizer.Normalize(raw, sess.lastFix)
	sess.lastFix = &fix
	c.lastFix = &fix
	c.lastFixAt = c.cfg.Now()
	c.fixes++
	c.lastError = ""
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.FixProcessedInc()
	}
	sess.transmitter.Transmit(fix, sess.BusID, sess.TripID)
}

func (c *Controller) handleError(sess *Session, err error) {
	c.mu.Lock()
	if c.session != sess || c.gen != sess.gen {
		c.mu.Unlock()
		return
	}
	if location.IsTransient(err) {
		c.lastError = err.Error()
		c.mu.Unlock()
		log.Printf("tracking: transient location error: %v", err)
		return
	}
	gen := c.gen
	c.mu.Unlock()
	_ = c.fail(gen, err)
}

func (c *Controller) recordSend(o transmit.Outcome, at time.Time) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.lastSend, c.lastSendAt = o, at
}

func (c *Controller) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// Diagnostics returns a snapshot of the controller state.
func (c *Controller) Diagnostics() Diagnostics {
	c.mu.Lock()
	d := Diagnostics{
		Stage:            c.stage,
		PermissionStatus: c.permission,
		FixesProcessed:   c.fixes,
		LastFix:          c.lastFix,
		LastError:        c.lastError,
		Message:          c.message,
	}
	if !c.lastFixAt.IsZero() {
		age := c.cfg.Now().Sub(c.lastFixAt).Seconds()
		d.LastFixAgeSeconds = &age
	}
	c.mu.Unlock()

	c.sendMu.Lock()
	d.LastSend = c.lastSend
	if !c.lastSendAt.IsZero() {
		at := c.lastSendAt
		d.LastSendAt = &at
	}
	c.sendMu.Unlock()
	return d
}
