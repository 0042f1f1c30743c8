package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, limit int64, window time.Duration, clock *fakeClock) *MemoryLimiter {
	t.Helper()
	limiter := NewMemoryLimiter(MemoryLimiterConfig{
		Limit:        limit,
		Window:       window,
		Clock:        clock.Now,
		DisableSweep: true,
	})
	t.Cleanup(func() { _ = limiter.Close() })
	return limiter
}

func TestMemoryLimiterDeniesAtLimit(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0))
	limiter := newTestLimiter(t, 2, time.Hour, clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Check(ctx, "key-a")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("expected hit %d to be allowed", i)
		}
		if err := limiter.Record(ctx, "key-a"); err != nil {
			t.Fatalf("unexpected record error: %v", err)
		}
	}

	decision, err := limiter.Check(ctx, "key-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial once count reached the limit")
	}
	if decision.Remaining != 0 {
		t.Fatalf("expected zero remaining, got %d", decision.Remaining)
	}
}

func TestMemoryLimiterIsolatesKeys(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0))
	limiter := newTestLimiter(t, 1, time.Hour, clock)
	ctx := context.Background()

	if err := limiter.Record(ctx, "key-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, err := limiter.Check(ctx, "key-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed || decision.Remaining != 1 {
		t.Fatalf("expected key-b to be untouched, got %+v", decision)
	}
}

func TestMemoryLimiterResetsAfterWindowElapsed(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0))
	limiter := newTestLimiter(t, 1, time.Hour, clock)
	ctx := context.Background()

	if err := limiter.Record(ctx, "key-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decision, _ := limiter.Check(ctx, "key-a")
	if decision.Allowed {
		t.Fatalf("expected denial within window")
	}

	// Just under the window boundary: still denied.
	clock.Advance(time.Hour - time.Second)
	decision, _ = limiter.Check(ctx, "key-a")
	if decision.Allowed {
		t.Fatalf("expected denial just before the window elapses")
	}

	clock.Advance(time.Second)
	decision, _ = limiter.Check(ctx, "key-a")
	if !decision.Allowed {
		t.Fatalf("expected a fresh window after the full window elapsed")
	}
	if decision.Remaining != 1 {
		t.Fatalf("expected full budget after reset, got %d", decision.Remaining)
	}
}

func TestMemoryLimiterConcurrentCheckRecordNeverExceedsLimit(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0))
	limiter := newTestLimiter(t, 5, time.Hour, clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := limiter.Check(ctx, "key-a")
			if err != nil || !decision.Allowed {
				return
			}
			_ = limiter.Record(ctx, "key-a")
		}()
	}
	wg.Wait()

	// Even with racing check/record pairs the counter never overruns the
	// window limit.
	limiter.mu.Lock()
	count := limiter.windows["key-a"].count
	limiter.mu.Unlock()
	if count > 5 {
		t.Fatalf("counter overran the limit: %d", count)
	}

	decision, err := limiter.Check(ctx, "key-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count == 5 && decision.Allowed {
		t.Fatalf("expected denial after the budget was consumed")
	}
}

func TestMemoryLimiterSweepEvictsStaleWindows(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0))
	limiter := newTestLimiter(t, 1, time.Hour, clock)
	ctx := context.Background()

	if err := limiter.Record(ctx, "key-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.Advance(2 * time.Hour)
	limiter.sweep()

	limiter.mu.Lock()
	_, exists := limiter.windows["key-a"]
	limiter.mu.Unlock()
	if exists {
		t.Fatalf("expected stale window to be evicted")
	}
}
