// Package mqttgps receives Geolocation API samples that the driver's
// browser publishes over MQTT, together with its permission state.
//
// Topics, relative to <prefix>/<deviceID>:
//
//	geolocation          position JSON
//	geolocation/error    {code, message}, codes as in GeolocationPositionError
//	permission           retained "granted" | "denied" | "prompt"
//	permission/request   published by us to ask the client to prompt
package mqttgps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"bus-buddy/internal/gps"
	"bus-buddy/internal/location"
)

const (
	DefaultPrefix = "bus-buddy/devices"

	codePermissionDenied    = 1
	codePositionUnavailable = 2
	codeTimeout             = 3
)

// Client is the subset of mqtt.Client the provider needs.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type positionMessage struct {
	Coords struct {
		Latitude  float64  `json:"latitude"`
		Longitude float64  `json:"longitude"`
		Accuracy  float64  `json:"accuracy"`
		Speed     *float64 `json:"speed"`
		Heading   *float64 `json:"heading"`
	} `json:"coords"`
	Timestamp int64 `json:"timestamp"`
}

type errorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var _ location.Provider = (*Provider)(nil)

type Provider struct {
	client      Client
	base        string
	waitTimeout time.Duration

	// subMu orders position subscribe and unsubscribe calls.
	subMu sync.Mutex

	mu          sync.Mutex
	perm        location.Permission
	permChanged chan struct{}
	permSub     bool
	posSub      bool
	next        location.WatchHandle
	watches     map[location.WatchHandle]*watch
}

type watch struct {
	cb  location.Callbacks
	dog *location.Watchdog
}

func New(client Client, prefix, deviceID string) *Provider {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Provider{
		client:      client,
		base:        strings.TrimSuffix(prefix, "/") + "/" + deviceID,
		waitTimeout: 3 * time.Second,
		perm:        location.PermissionUnknown,
		permChanged: make(chan struct{}),
		watches:     make(map[location.WatchHandle]*watch),
	}
}

func (p *Provider) topic(suffix string) string { return p.base + "/" + suffix }

func wait(t mqtt.Token, d time.Duration) error {
	if !t.WaitTimeout(d) {
		return fmt.Errorf("mqtt: %w", location.ErrTimeout)
	}
	return t.Error()
}

// CheckPermission returns the retained permission state, or prompt when the
// client has not published one within the wait window.
func (p *Provider) CheckPermission(ctx context.Context) (location.Permission, error) {
	if err := p.subscribePermission(); err != nil {
		return location.PermissionUnknown, err
	}
	p.mu.Lock()
	perm, changed := p.perm, p.permChanged
	p.mu.Unlock()
	if perm != location.PermissionUnknown {
		return perm, nil
	}

	timer := time.NewTimer(p.waitTimeout)
	defer timer.Stop()
	select {
	case <-changed:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.perm, nil
	case <-timer.C:
		return location.PermissionPrompt, nil
	case <-ctx.Done():
		return location.PermissionUnknown, ctx.Err()
	}
}

// RequestPermission asks the client to prompt the driver and waits for a
// definitive answer.
func (p *Provider) RequestPermission(ctx context.Context) (location.Permission, error) {
	if err := p.subscribePermission(); err != nil {
		return location.PermissionUnknown, err
	}
	p.mu.Lock()
	changed := p.permChanged
	p.mu.Unlock()

	if err := wait(p.client.Publish(p.topic("permission/request"), 1, false, []byte("location")), p.waitTimeout); err != nil {
		return location.PermissionUnknown, fmt.Errorf("publish permission request: %w", err)
	}

	for {
		select {
		case <-changed:
		case <-ctx.Done():
			return location.PermissionUnknown, ctx.Err()
		}
		p.mu.Lock()
		perm := p.perm
		changed = p.permChanged
		p.mu.Unlock()
		if perm == location.PermissionGranted || perm == location.PermissionDenied {
			return perm, nil
		}
	}
}

func (p *Provider) subscribePermission() error {
	p.mu.Lock()
	if p.permSub {
		p.mu.Unlock()
		return nil
	}
	p.permSub = true
	p.mu.Unlock()

	if err := wait(p.client.Subscribe(p.topic("permission"), 1, p.handlePermission), p.waitTimeout); err != nil {
		p.mu.Lock()
		p.permSub = false
		p.mu.Unlock()
		return fmt.Errorf("subscribe permission: %w", err)
	}
	return nil
}

func (p *Provider) handlePermission(_ mqtt.Client, msg mqtt.Message) {
	var perm location.Permission
	switch strings.ToLower(strings.TrimSpace(string(msg.Payload()))) {
	case "granted":
		perm = location.PermissionGranted
	case "denied":
		perm = location.PermissionDenied
	case "prompt":
		perm = location.PermissionPrompt
	default:
		log.Printf("mqttgps: ignoring permission payload %q", msg.Payload())
		return
	}
	p.mu.Lock()
	p.perm = perm
	close(p.permChanged)
	p.permChanged = make(chan struct{})
	p.mu.Unlock()
}

func (p *Provider) GetCurrentPosition(ctx context.Context, opts location.WatchOptions) (gps.RawSample, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	type result struct {
		s   gps.RawSample
		err error
	}
	done := make(chan result, 1)
	h, err := p.WatchPosition(location.WatchOptions{}, location.Callbacks{
		OnSample: func(s gps.RawSample) {
			select {
			case done <- result{s: s}:
			default:
			}
		},
		OnError: func(err error) {
			select {
			case done <- result{err: err}:
			default:
			}
		},
	})
	if err != nil {
		return gps.RawSample{}, err
	}
	defer func() { _ = p.ClearWatch(h) }()

	select {
	case r := <-done:
		return r.s, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return gps.RawSample{}, location.ErrTimeout
		}
		return gps.RawSample{}, ctx.Err()
	}
}

func (p *Provider) WatchPosition(opts location.WatchOptions, cb location.Callbacks) (location.WatchHandle, error) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	p.mu.Lock()
	needSub := !p.posSub
	p.mu.Unlock()

	if needSub {
		filters := []string{p.topic("geolocation"), p.topic("geolocation/error")}
		for _, f := range filters {
			if err := wait(p.client.Subscribe(f, 0, p.handlePosition), p.waitTimeout); err != nil {
				_ = p.client.Unsubscribe(filters...)
				return 0, fmt.Errorf("subscribe %s: %w", f, errors.Join(location.ErrPositionUnavailable, err))
			}
		}
	}

	w := &watch{cb: cb}
	w.dog = location.NewWatchdog(opts.Timeout, func() {
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("no fix within %s: %w", opts.Timeout, location.ErrTimeout))
		}
	})

	p.mu.Lock()
	p.posSub = true
	p.next++
	h := p.next
	p.watches[h] = w
	p.mu.Unlock()
	return h, nil
}

func (p *Provider) ClearWatch(h location.WatchHandle) error {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	p.mu.Lock()
	w, ok := p.watches[h]
	delete(p.watches, h)
	last := ok && len(p.watches) == 0 && p.posSub
	if last {
		p.posSub = false
	}
	p.mu.Unlock()
	if !ok {
		return location.ErrUnknownWatch
	}
	w.dog.Stop()
	if last {
		t := p.client.Unsubscribe(p.topic("geolocation"), p.topic("geolocation/error"))
		if err := wait(t, p.waitTimeout); err != nil {
			log.Printf("mqttgps: unsubscribe error: %v", err)
		}
	}
	return nil
}

func (p *Provider) handlePosition(_ mqtt.Client, msg mqtt.Message) {
	p.mu.Lock()
	ws := make([]*watch, 0, len(p.watches))
	for _, w := range p.watches {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	if len(ws) == 0 {
		return
	}

	if strings.HasSuffix(msg.Topic(), "/error") {
		err := decodeError(msg.Payload())
		for _, w := range ws {
			if w.cb.OnError != nil {
				w.cb.OnError(err)
			}
		}
		return
	}

	var m positionMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		log.Printf("mqttgps: invalid position message: %v", err)
		return
	}
	s := gps.RawSample{
		Latitude:             m.Coords.Latitude,
		Longitude:            m.Coords.Longitude,
		AccuracyMeters:       m.Coords.Accuracy,
		Timestamp:            time.UnixMilli(m.Timestamp),
		SpeedMetersPerSecond: m.Coords.Speed,
		HeadingDegrees:       m.Coords.Heading,
	}
	for _, w := range ws {
		w.dog.Kick()
		if w.cb.OnSample != nil {
			w.cb.OnSample(s)
		}
	}
}

func decodeError(payload []byte) error {
	var m errorMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("undecodable geolocation error: %w", location.ErrPositionUnavailable)
	}
	switch m.Code {
	case codePermissionDenied:
		return fmt.Errorf("%s: %w", m.Message, location.ErrPermissionDenied)
	case codeTimeout:
		return fmt.Errorf("%s: %w", m.Message, location.ErrTimeout)
	default:
		return fmt.Errorf("%s: %w", m.Message, location.ErrPositionUnavailable)
	}
}
