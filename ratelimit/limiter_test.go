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

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(10_000_000)}
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

func TestRefillingTokenBucketMonotonicity(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	bucket := NewRefillingTokenBucket[string](NewMemoryStore(), "login", 3, time.Second)
	bucket.now = clock.Now

	ok, err := bucket.Consume(ctx, "10.0.0.1", 3)
	if err != nil || !ok {
		t.Fatalf("full consume: ok=%v err=%v", ok, err)
	}

	ok, err = bucket.Consume(ctx, "10.0.0.1", 1)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if ok {
		t.Fatalf("expected immediate consume after exhaustion to fail")
	}

	clock.Advance(time.Second)
	ok, err = bucket.Check(ctx, "10.0.0.1", 1)
	if err != nil || !ok {
		t.Fatalf("check after refill interval: ok=%v err=%v", ok, err)
	}
}

func TestRefillingTokenBucketCheckDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	bucket := NewRefillingTokenBucket[string](NewMemoryStore(), "signup", 2, time.Minute)

	for i := 0; i < 5; i++ {
		ok, err := bucket.Check(ctx, "k", 2)
		if err != nil || !ok {
			t.Fatalf("check %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := bucket.Consume(ctx, "k", 2)
	if err != nil || !ok {
		t.Fatalf("consume after repeated checks: ok=%v err=%v", ok, err)
	}
}

func TestRefillingTokenBucketResetStartsFresh(t *testing.T) {
	ctx := context.Background()
	bucket := NewRefillingTokenBucket[int64](NewMemoryStore(), "user", 2, time.Hour)

	if ok, _ := bucket.Consume(ctx, 7, 2); !ok {
		t.Fatalf("initial consume failed")
	}
	if ok, _ := bucket.Consume(ctx, 7, 1); ok {
		t.Fatalf("consume of empty bucket succeeded")
	}
	if err := bucket.Reset(ctx, 7); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ok, _ := bucket.Consume(ctx, 7, 2); !ok {
		t.Fatalf("consume after reset failed")
	}
}

func TestExpiringTokenBucketWindowReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	bucket := NewExpiringTokenBucket[string](NewMemoryStore(), "totp", 5, 30*time.Minute)
	bucket.now = clock.Now

	for i := 0; i < 5; i++ {
		ok, err := bucket.Consume(ctx, "u1", 1)
		if err != nil || !ok {
			t.Fatalf("consume %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := bucket.Consume(ctx, "u1", 1); ok {
		t.Fatalf("expected consume after max attempts to fail")
	}

	clock.Advance(29 * time.Minute)
	if ok, _ := bucket.Consume(ctx, "u1", 1); ok {
		t.Fatalf("window must not reset before expiresIn elapses")
	}

	clock.Advance(time.Minute)
	ok, err := bucket.Consume(ctx, "u1", 1)
	if err != nil || !ok {
		t.Fatalf("consume after window expiry: ok=%v err=%v", ok, err)
	}
}

func TestExpiringTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket := NewExpiringTokenBucket[string](NewMemoryStore(), "code", 1, time.Hour)

	if ok, _ := bucket.Consume(ctx, "a", 1); !ok {
		t.Fatalf("key a consume failed")
	}
	if ok, _ := bucket.Consume(ctx, "a", 1); ok {
		t.Fatalf("key a should be exhausted")
	}
	if ok, _ := bucket.Consume(ctx, "b", 1); !ok {
		t.Fatalf("key b must not share key a's budget")
	}
}

func TestThrottlerBackoffPerKey(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	throttler := NewThrottler[int64](NewMemoryStore(), "signin", []time.Duration{time.Second, 2 * time.Second, 4 * time.Second})
	throttler.now = clock.Now

	if ok, err := throttler.Consume(ctx, 42); err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}

	// Spaced at each threshold the next consumptions succeed.
	for _, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		clock.Advance(wait)
		if ok, err := throttler.Consume(ctx, 42); err != nil || !ok {
			t.Fatalf("consume after %v: ok=%v err=%v", wait, ok, err)
		}
	}

	// A premature retry fails and does not grow the wait further.
	clock.Advance(time.Second)
	if ok, _ := throttler.Consume(ctx, 42); ok {
		t.Fatalf("premature consume succeeded")
	}
	clock.Advance(3 * time.Second)
	if ok, _ := throttler.Consume(ctx, 42); !ok {
		t.Fatalf("consume after full clamped timeout failed")
	}

	// Other keys are untouched.
	if ok, _ := throttler.Consume(ctx, 43); !ok {
		t.Fatalf("unrelated key throttled")
	}

	if err := throttler.Reset(ctx, 42); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ok, _ := throttler.Consume(ctx, 42); !ok {
		t.Fatalf("consume after reset failed")
	}
}

func TestMemoryStoreConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	bucket := NewRefillingTokenBucket[string](NewMemoryStore(), "burst", 100, time.Hour)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := bucket.Consume(ctx, "shared", 1)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := 0
	for range granted {
		n++
	}
	if n != 100 {
		t.Fatalf("granted %d tokens from a bucket of 100", n)
	}
}
