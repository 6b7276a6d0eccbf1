package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Fatalf("Close error: %v", err)
		}
	})
	return m, clock
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 3)
	ctx := context.Background()

	for i := range 3 {
		ok, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !ok {
			t.Fatalf("expected Allow=true for request %d", i)
		}
	}
	ok, err := m.Allow(ctx, "k1")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("expected Allow=false after burst exhausted")
	}
}

func TestMemoryLimiterTokenRefill(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 1)
	ctx := context.Background()

	if ok, _ := m.Allow(ctx, "k1"); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("should be denied immediately after exhausting burst")
	}

	clock.Advance(250 * time.Millisecond)
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("half a token is not enough")
	}
	clock.Advance(250 * time.Millisecond)
	if ok, _ := m.Allow(ctx, "k1"); !ok {
		t.Fatal("expected Allow=true after refill period")
	}
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m, clock := newTestLimiter(t, 1000, 3)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "k1")
	clock.Advance(time.Hour)

	for i := range 3 {
		if ok, _ := m.Allow(ctx, "k1"); !ok {
			t.Fatalf("expected Allow=true for request %d after long idle", i)
		}
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("expected Allow=false after burst exhausted, even after long idle")
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 1)
	ctx := context.Background()

	if ok, _ := m.Allow(ctx, "a"); !ok {
		t.Fatal("first request for 'a' should succeed")
	}
	if ok, _ := m.Allow(ctx, "a"); ok {
		t.Fatal("second request for 'a' should be denied")
	}
	if ok, _ := m.Allow(ctx, "b"); !ok {
		t.Fatal("first request for 'b' should succeed")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 100, 50)
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				ok, err := m.Allow(ctx, "shared")
				if err != nil {
					t.Errorf("Allow error: %v", err)
					return
				}
				if ok {
					mu.Lock()
					total++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// The clock is frozen, so exactly the burst gets through.
	if total != 50 {
		t.Fatalf("expected 50 allowed requests, got %d", total)
	}
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, clock := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "stale")
	clock.Advance(15 * time.Minute)
	_, _ = m.Allow(ctx, "recent")
	m.evictStale()

	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, recentExists := m.buckets["recent"]
	m.mu.Unlock()

	if staleExists {
		t.Fatal("expected stale bucket to be evicted")
	}
	if !recentExists {
		t.Fatal("expected recent bucket to survive eviction")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for range 1000 {
		ok, err := l.Allow(ctx, "anything")
		if err != nil {
			t.Fatalf("NoopLimiter.Allow error: %v", err)
		}
		if !ok {
			t.Fatal("NoopLimiter should always return true")
		}
	}
}
