package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrStoreUnavailable wraps backend failures from a [Store] implementation.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// UpdateFunc receives the current encoded entry for a key (nil when absent)
// and returns the replacement entry, its retention TTL, and whether the
// attempt is allowed. Returning a nil entry deletes the key. The TTL is a
// garbage-collection bound only; the entry's own timestamps carry the
// semantics.
type UpdateFunc func(raw []byte) (next []byte, ttl time.Duration, allowed bool, err error)

// Store persists rate limiter entries keyed by string. Update must apply fn
// as a linearizable read-modify-write for the key; updates to distinct keys
// must not block each other.
type Store interface {
	Update(ctx context.Context, key string, fn UpdateFunc) (bool, error)
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	mu        sync.Mutex
	raw       []byte
	expiresAt time.Time
	deleted   bool
}

// MemoryStore is a process-local [Store] backed by a concurrent map with a
// per-entry mutex. Expired entries are dropped lazily on access.
type MemoryStore struct {
	entries sync.Map
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Update runs fn under the key's lock. The loop re-fetches when it lost a
// race against a concurrent Delete of the same map slot.
func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) (bool, error) {
	for {
		actual, _ := s.entries.LoadOrStore(key, &memoryEntry{})
		entry := actual.(*memoryEntry)

		entry.mu.Lock()
		if entry.deleted {
			entry.mu.Unlock()
			continue
		}

		raw := entry.raw
		if raw != nil && !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
			raw = nil
		}

		next, ttl, allowed, err := fn(raw)
		if err != nil {
			entry.mu.Unlock()
			return false, err
		}

		if next == nil {
			entry.deleted = true
			s.entries.Delete(key)
		} else {
			entry.raw = next
			if ttl > 0 {
				entry.expiresAt = s.now().Add(ttl)
			} else {
				entry.expiresAt = time.Time{}
			}
		}
		entry.mu.Unlock()
		return allowed, nil
	}
}

// Delete removes the key. Missing keys are a no-op.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	actual, ok := s.entries.Load(key)
	if !ok {
		return nil
	}
	entry := actual.(*memoryEntry)

	entry.mu.Lock()
	entry.deleted = true
	entry.raw = nil
	s.entries.Delete(key)
	entry.mu.Unlock()
	return nil
}

// Len reports the number of live entries. Intended for tests and
// introspection, not hot paths.
func (s *MemoryStore) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
