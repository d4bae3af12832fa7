package tracker

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// DefaultIdleTimeout is how long without activity before tracking pauses.
const DefaultIdleTimeout = 30 * time.Second

// IdleWatchdog calls onIdle once no Touch has happened for the timeout.
type IdleWatchdog struct {
	mu      sync.Mutex
	clock   quartz.Clock
	timeout time.Duration
	onIdle  func()
	timer   *quartz.Timer
	stopped bool
}

// NewIdleWatchdog creates a disarmed watchdog.
func NewIdleWatchdog(clock quartz.Clock, timeout time.Duration, onIdle func()) *IdleWatchdog {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &IdleWatchdog{clock: clock, timeout: timeout, onIdle: onIdle}
}

// Touch (re)arms the watchdog.
func (w *IdleWatchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer == nil {
		w.timer = w.clock.AfterFunc(w.timeout, w.onIdle, "idle")
		return
	}
	w.timer.Reset(w.timeout, "idle")
}

// Stop disarms the watchdog permanently.
func (w *IdleWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
