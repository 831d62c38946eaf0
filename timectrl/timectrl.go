package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by liveness checks and deadline sweeps.
// Components depend on it rather than time.Now so tests can drive time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall-clock time.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// TimeController invokes registered listeners once per Tick with the
// clock's current time. The orchestrator uses it to drive periodic sweeps.
type TimeController struct {
	Tick  time.Duration
	clock Clock

	mu        sync.RWMutex
	listeners []func(time.Time)
}

// NewTimeController constructs a controller ticking every tick. A nil clock
// falls back to SystemClock.
func NewTimeController(clock Clock, tick time.Duration) *TimeController {
	if clock == nil {
		clock = SystemClock{}
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &TimeController{Tick: tick, clock: clock}
}

// Now returns the controller clock's time.
func (tc *TimeController) Now() time.Time {
	return tc.clock.Now()
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	if fn == nil {
		return
	}
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Step runs every listener once at the clock's current time.
func (tc *TimeController) Step() {
	now := tc.clock.Now()
	tc.mu.RLock()
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.RUnlock()
	for _, fn := range listeners {
		fn(now)
	}
}

// Run steps the listeners every Tick until ctx is done.
func (tc *TimeController) Run(ctx context.Context) {
	ticker := time.NewTicker(tc.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tc.Step()
		}
	}
}

// Start runs the controller in a goroutine and returns a channel closed once
// ctx is done and the loop has exited.
func (tc *TimeController) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		tc.Run(ctx)
	}()
	return done
}
