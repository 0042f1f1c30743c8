package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = 10 * time.Minute

type window struct {
	count int64
	start time.Time
}

// MemoryLimiter keeps fixed-window counters in process memory. Suitable only
// for single-instance deployments; counters are lost on restart.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int64
	size    time.Duration
	clock   func() time.Time
	done    chan struct{}
	closed  bool
}

// MemoryLimiterConfig configures a MemoryLimiter. Clock defaults to time.Now;
// SweepInterval defaults to ten minutes, zero disables the sweep goroutine
// entirely (tests).
type MemoryLimiterConfig struct {
	Limit         int64
	Window        time.Duration
	Clock         func() time.Time
	SweepInterval time.Duration
	DisableSweep  bool
}

// NewMemoryLimiter constructs the in-memory limiter and starts its stale-entry
// sweep goroutine unless disabled.
func NewMemoryLimiter(cfg MemoryLimiterConfig) *MemoryLimiter {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}

	limiter := &MemoryLimiter{
		windows: make(map[string]*window),
		limit:   cfg.Limit,
		size:    cfg.Window,
		clock:   clock,
		done:    make(chan struct{}),
	}

	if !cfg.DisableSweep {
		go limiter.sweepLoop(sweepInterval)
	}

	return limiter
}

// Check evaluates the window for key, lazily resetting it when the window has
// fully elapsed. The reset is all-or-nothing: count returns to zero and the
// window start moves to now in the same step.
func (l *MemoryLimiter) Check(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.currentWindow(key)
	return Decision{
		Allowed:   state.count < l.limit,
		Remaining: l.remaining(state),
	}, nil
}

// Record increments the counter for key within its current window. Callers
// must have observed Allowed=true from Check for the same window; because the
// pair is not atomic, Record additionally refuses to push the count past the
// limit so racing pairs cannot overrun the window.
func (l *MemoryLimiter) Record(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.currentWindow(key)
	if state.count >= l.limit {
		return nil
	}
	state.count++
	return nil
}

// Close stops the sweep goroutine.
func (l *MemoryLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	return nil
}

// currentWindow returns the window state for key, initializing or resetting it
// as needed. Callers must hold the mutex.
func (l *MemoryLimiter) currentWindow(key string) *window {
	now := l.clock()
	state, exists := l.windows[key]
	if !exists {
		state = &window{count: 0, start: now}
		l.windows[key] = state
		return state
	}
	if now.Sub(state.start) >= l.size {
		state.count = 0
		state.start = now
	}
	return state
}

func (l *MemoryLimiter) remaining(state *window) int64 {
	remaining := l.limit - state.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (l *MemoryLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep evicts entries whose window elapsed long enough ago that the next
// Check would reset them anyway.
func (l *MemoryLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	for key, state := range l.windows {
		if now.Sub(state.start) >= l.size {
			delete(l.windows, key)
		}
	}
}
