// Package debounce provides the timer primitives the session core uses to
// coalesce bursty input: a cancel-and-replace debouncer and a simple
// time-based throttle.
package debounce

import (
	"sync"
	"time"
)

// Debouncer delays a callback until a quiet period of no new triggers has
// elapsed. Each Trigger cancels and replaces the pending timer, so a stale
// callback can never fire against superseded input.
type Debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
}

// New creates a debouncer with the given quiet period.
func New(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Trigger schedules fn after the quiet period, cancelling any pending
// callback from an earlier trigger.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
}

// Cancel drops any pending callback.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Throttle admits at most one event per interval. Unlike Debouncer it
// fires on the leading edge: the first event passes, later ones are
// swallowed until the interval elapses.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// NewThrottle creates a throttle with the given minimum interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now}
}

// Allow reports whether an event may pass now, consuming the slot if so.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.now()
	if n.Sub(t.last) < t.interval {
		return false
	}
	t.last = n
	return true
}

// Reset clears the throttle so the next Allow passes.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.last = time.Time{}
	t.mu.Unlock()
}
