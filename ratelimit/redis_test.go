package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	return NewRedisStore(rdb, "arl")
}

func TestRedisStoreRefillingBucket(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	bucket := NewRefillingTokenBucket[string](newRedisStore(t), "login", 3, time.Second)
	bucket.now = clock.Now

	if ok, err := bucket.Consume(ctx, "198.51.100.7", 3); err != nil || !ok {
		t.Fatalf("full consume: ok=%v err=%v", ok, err)
	}
	if ok, _ := bucket.Consume(ctx, "198.51.100.7", 1); ok {
		t.Fatalf("expected consume of empty bucket to fail")
	}

	clock.Advance(2 * time.Second)
	if ok, err := bucket.Consume(ctx, "198.51.100.7", 2); err != nil || !ok {
		t.Fatalf("consume after refill: ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreThrottler(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	throttler := NewThrottler[string](newRedisStore(t), "signin", []time.Duration{time.Second, 2 * time.Second})
	throttler.now = clock.Now

	if ok, _ := throttler.Consume(ctx, "u1"); !ok {
		t.Fatalf("first consume failed")
	}
	if ok, _ := throttler.Consume(ctx, "u1"); ok {
		t.Fatalf("immediate retry succeeded")
	}
	clock.Advance(time.Second)
	if ok, _ := throttler.Consume(ctx, "u1"); !ok {
		t.Fatalf("consume after backoff failed")
	}
}

func TestRedisStoreConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	bucket := NewExpiringTokenBucket[string](newRedisStore(t), "verify", 5, time.Hour)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := bucket.Consume(ctx, "u9", 1)
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
	if n != 5 {
		t.Fatalf("granted %d attempts from a budget of 5", n)
	}
}

func TestRedisStoreDeleteMissingKey(t *testing.T) {
	store := newRedisStore(t)
	if err := store.Delete(context.Background(), "absent"); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}
}
