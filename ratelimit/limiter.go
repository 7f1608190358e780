package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// RefillingTokenBucket grants up to max tokens per key and refills one token
// every refillInterval. Check reports quota without consuming; Consume
// subtracts cost when available.
type RefillingTokenBucket[K comparable] struct {
	store    Store
	name     string
	max      int32
	interval time.Duration
	now      func() time.Time
}

// NewRefillingTokenBucket creates a refilling bucket. name namespaces the
// bucket's keys inside the shared store.
func NewRefillingTokenBucket[K comparable](store Store, name string, max int, refillInterval time.Duration) *RefillingTokenBucket[K] {
	return &RefillingTokenBucket[K]{
		store:    store,
		name:     name,
		max:      int32(max),
		interval: refillInterval,
		now:      time.Now,
	}
}

func (b *RefillingTokenBucket[K]) key(key K) string {
	return b.name + ":" + fmt.Sprint(key)
}

// retention bounds storage growth: once a bucket has been idle long enough
// to fully refill, the entry is equivalent to no entry at all.
func (b *RefillingTokenBucket[K]) retention() time.Duration {
	return b.interval * time.Duration(b.max+1)
}

// Check reports whether cost tokens are available. The refreshed count is
// persisted but never consumed.
func (b *RefillingTokenBucket[K]) Check(ctx context.Context, key K, cost int) (bool, error) {
	return b.take(ctx, key, int32(cost), false)
}

// Consume takes cost tokens, failing when fewer are available.
func (b *RefillingTokenBucket[K]) Consume(ctx context.Context, key K, cost int) (bool, error) {
	return b.take(ctx, key, int32(cost), true)
}

// Reset deletes the key; the next access starts from a full bucket.
func (b *RefillingTokenBucket[K]) Reset(ctx context.Context, key K) error {
	return b.store.Delete(ctx, b.key(key))
}

func (b *RefillingTokenBucket[K]) take(ctx context.Context, key K, cost int32, consume bool) (bool, error) {
	return b.store.Update(ctx, b.key(key), func(raw []byte) ([]byte, time.Duration, bool, error) {
		var entry *tokenBucketEntry
		if raw != nil {
			decoded, err := decodeBucketEntry(raw)
			if err != nil {
				return nil, 0, false, err
			}
			entry = decoded
		}

		next, allowed := takeRefilling(entry, b.now(), b.max, cost, b.interval, consume)
		return encodeBucketEntry(next), b.retention(), allowed, nil
	})
}

// ExpiringTokenBucket grants at most max attempts per window. The whole
// bucket expires as a unit expiresIn after its first consumption rather than
// refilling continuously.
type ExpiringTokenBucket[K comparable] struct {
	store     Store
	name      string
	max       int32
	expiresIn time.Duration
	now       func() time.Time
}

// NewExpiringTokenBucket creates a fixed-window bucket.
func NewExpiringTokenBucket[K comparable](store Store, name string, max int, expiresIn time.Duration) *ExpiringTokenBucket[K] {
	return &ExpiringTokenBucket[K]{
		store:     store,
		name:      name,
		max:       int32(max),
		expiresIn: expiresIn,
		now:       time.Now,
	}
}

func (b *ExpiringTokenBucket[K]) key(key K) string {
	return b.name + ":" + fmt.Sprint(key)
}

// Check reports whether cost attempts remain in the current window.
func (b *ExpiringTokenBucket[K]) Check(ctx context.Context, key K, cost int) (bool, error) {
	return b.take(ctx, key, int32(cost), false)
}

// Consume spends cost attempts from the current window.
func (b *ExpiringTokenBucket[K]) Consume(ctx context.Context, key K, cost int) (bool, error) {
	return b.take(ctx, key, int32(cost), true)
}

// Reset clears the key's attempt counter, restarting the window.
func (b *ExpiringTokenBucket[K]) Reset(ctx context.Context, key K) error {
	return b.store.Delete(ctx, b.key(key))
}

func (b *ExpiringTokenBucket[K]) take(ctx context.Context, key K, cost int32, consume bool) (bool, error) {
	return b.store.Update(ctx, b.key(key), func(raw []byte) ([]byte, time.Duration, bool, error) {
		var entry *tokenBucketEntry
		if raw != nil {
			decoded, err := decodeBucketEntry(raw)
			if err != nil {
				return nil, 0, false, err
			}
			entry = decoded
		}

		next, allowed := takeExpiring(entry, b.now(), b.max, cost, b.expiresIn, consume)
		if next == nil {
			return nil, 0, allowed, nil
		}
		return encodeBucketEntry(*next), b.expiresIn, allowed, nil
	})
}

// Throttler enforces a per-key monotonically growing backoff: each
// successful consumption requires a longer wait than the previous one before
// the next is accepted. A too-early attempt fails without advancing the
// backoff.
type Throttler[K comparable] struct {
	store    Store
	name     string
	timeouts []time.Duration
	now      func() time.Time
}

// NewThrottler creates a throttler over the given backoff table. The table
// must be non-empty; the last entry repeats once reached.
func NewThrottler[K comparable](store Store, name string, timeouts []time.Duration) *Throttler[K] {
	if len(timeouts) == 0 {
		panic("ratelimit: throttler requires a non-empty timeout table")
	}
	return &Throttler[K]{
		store:    store,
		name:     name,
		timeouts: timeouts,
		now:      time.Now,
	}
}

func (t *Throttler[K]) key(key K) string {
	return t.name + ":" + fmt.Sprint(key)
}

// Consume attempts the key's next slot.
func (t *Throttler[K]) Consume(ctx context.Context, key K) (bool, error) {
	retention := t.timeouts[len(t.timeouts)-1] * 2

	return t.store.Update(ctx, t.key(key), func(raw []byte) ([]byte, time.Duration, bool, error) {
		var entry *throttleEntry
		if raw != nil {
			decoded, err := decodeThrottleEntry(raw)
			if err != nil {
				return nil, 0, false, err
			}
			entry = decoded
		}

		next, allowed := advanceThrottle(entry, t.now(), t.timeouts)
		return encodeThrottleEntry(next), retention, allowed, nil
	})
}

// Reset returns the key to the front of the backoff table.
func (t *Throttler[K]) Reset(ctx context.Context, key K) error {
	return t.store.Delete(ctx, t.key(key))
}
