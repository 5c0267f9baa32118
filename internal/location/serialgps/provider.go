// Package serialgps reads positions from an NMEA receiver attached to a
// serial port, the native-device location source.
package serialgps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"sync"
	"time"

	serial "github.com/jacobsa/go-serial/serial"

	"bus-buddy/internal/gps"
	"bus-buddy/internal/location"
)

// Opener opens the byte stream carrying NMEA sentences.
type Opener func() (io.ReadCloser, error)

// PortOpener opens a serial port with 8N1 framing.
func PortOpener(port string, baud uint) Opener {
	return func() (io.ReadCloser, error) {
		return serial.Open(serial.OpenOptions{
			PortName:              port,
			BaudRate:              baud,
			DataBits:              8,
			StopBits:              1,
			MinimumReadSize:       1,
			ParityMode:            serial.PARITY_NONE,
			InterCharacterTimeout: 0,
		})
	}
}

var _ location.Provider = (*Provider)(nil)

type Provider struct {
	open Opener
	now  func() time.Time

	mu      sync.Mutex
	next    location.WatchHandle
	watches map[location.WatchHandle]*watch
}

type watch struct {
	rc     io.ReadCloser
	dog    *location.Watchdog
	mu     sync.Mutex
	closed bool
}

func New(open Opener) *Provider {
	return &Provider{
		open:    open,
		now:     time.Now,
		watches: make(map[location.WatchHandle]*watch),
	}
}

// CheckPermission test-opens the device node. A serial port cannot prompt, so
// the answer is either granted or denied.
func (p *Provider) CheckPermission(_ context.Context) (location.Permission, error) {
	rc, err := p.open()
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return location.PermissionDenied, nil
		}
		return location.PermissionUnknown, fmt.Errorf("open gps port: %w", errors.Join(location.ErrPositionUnavailable, err))
	}
	_ = rc.Close()
	return location.PermissionGranted, nil
}

func (p *Provider) RequestPermission(ctx context.Context) (location.Permission, error) {
	return p.CheckPermission(ctx)
}

// GetCurrentPosition reads until the first valid RMC fix or the timeout.
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
			if location.IsTransient(err) {
				return
			}
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
	rc, err := p.open()
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return 0, fmt.Errorf("open gps port: %w", location.ErrPermissionDenied)
		}
		return 0, fmt.Errorf("open gps port: %w", errors.Join(location.ErrPositionUnavailable, err))
	}

	w := &watch{rc: rc}
	w.dog = location.NewWatchdog(opts.Timeout, func() {
		w.emitError(cb, fmt.Errorf("no fix within %s: %w", opts.Timeout, location.ErrTimeout))
	})

	p.mu.Lock()
	p.next++
	h := p.next
	p.watches[h] = w
	p.mu.Unlock()

	go p.read(w, cb)
	return h, nil
}

func (p *Provider) ClearWatch(h location.WatchHandle) error {
	p.mu.Lock()
	w, ok := p.watches[h]
	delete(p.watches, h)
	p.mu.Unlock()
	if !ok {
		return location.ErrUnknownWatch
	}
	w.close()
	return nil
}

func (p *Provider) read(w *watch, cb location.Callbacks) {
	dec := &decoder{now: p.now}
	reader := bufio.NewReader(w.rc)
	voidReported := false
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			s, ok, ferr := dec.feed(line)
			switch {
			case ferr != nil:
				// receivers repeat void sentences every second until they lock
				if !voidReported {
					voidReported = true
					w.emitError(cb, ferr)
				}
			case ok:
				voidReported = false
				w.dog.Kick()
				w.emitSample(cb, s)
			}
		}
		if err != nil {
			if !w.isClosed() {
				log.Printf("gps read error: %v", err)
				w.emitError(cb, fmt.Errorf("gps stream ended: %w", errors.Join(location.ErrSubscriptionLost, err)))
			}
			w.dog.Stop()
			return
		}
	}
}

func (w *watch) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *watch) emitSample(cb location.Callbacks, s gps.RawSample) {
	if w.isClosed() || cb.OnSample == nil {
		return
	}
	cb.OnSample(s)
}

func (w *watch) emitError(cb location.Callbacks, err error) {
	if w.isClosed() || cb.OnError == nil {
		return
	}
	cb.OnError(err)
}

func (w *watch) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.dog.Stop()
	_ = w.rc.Close()
}
