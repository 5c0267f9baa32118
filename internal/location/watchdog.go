package location

import (
	"sync"
	"time"
)

// Watchdog fires fn every timeout period in which Kick was not called.
// A zero timeout yields a watchdog that never fires.
type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	fn      func()
	stopped bool
}

func NewWatchdog(timeout time.Duration, fn func()) *Watchdog {
	w := &Watchdog{timeout: timeout, fn: fn}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, w.fire)
	}
	return w
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.timer.Reset(w.timeout)
	w.mu.Unlock()
	w.fn()
}

// Kick restarts the timeout window.
func (w *Watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil || w.stopped {
		return
	}
	w.timer.Reset(w.timeout)
}

func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
