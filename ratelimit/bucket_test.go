package ratelimit

import (
	"testing"
	"time"
)

func TestTakeRefillingMissingKeyIsFullBucket(t *testing.T) {
	now := time.UnixMilli(1_000_000)

	next, allowed := takeRefilling(nil, now, 5, 5, time.Second, true)
	if !allowed {
		t.Fatalf("expected full consume of fresh bucket to succeed")
	}
	if next.Count != 0 {
		t.Fatalf("expected count 0, got %d", next.Count)
	}

	_, allowed = takeRefilling(&next, now, 5, 1, time.Second, true)
	if allowed {
		t.Fatalf("expected immediate consume after exhaustion to fail")
	}
}

func TestTakeRefillingRefillsByElapsedIntervals(t *testing.T) {
	start := time.UnixMilli(1_000_000)
	entry := tokenBucketEntry{Count: 0, Timestamp: start.UnixMilli()}

	cases := []struct {
		name    string
		elapsed time.Duration
		cost    int32
		allowed bool
		count   int32
	}{
		{"under one interval", 900 * time.Millisecond, 1, false, 0},
		{"one interval", time.Second, 1, true, 1},
		{"three intervals", 3 * time.Second, 2, true, 3},
		{"capped at max", time.Minute, 1, true, 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, allowed := takeRefilling(&entry, start.Add(tc.elapsed), 5, tc.cost, time.Second, false)
			if allowed != tc.allowed {
				t.Fatalf("allowed = %v, want %v", allowed, tc.allowed)
			}
			if next.Count != tc.count {
				t.Fatalf("count = %d, want %d", next.Count, tc.count)
			}
		})
	}
}

func TestTakeExpiringWindowResetsAsUnit(t *testing.T) {
	start := time.UnixMilli(2_000_000)
	ttl := 30 * time.Minute

	entry, allowed := takeExpiring(nil, start, 5, 5, ttl, true)
	if !allowed || entry.Count != 0 {
		t.Fatalf("fresh window consume failed: allowed=%v entry=%+v", allowed, entry)
	}
	if entry.Timestamp != start.UnixMilli() {
		t.Fatalf("createdAt not stamped on first consumption")
	}

	// Exhausted within the window: no partial refill.
	mid := start.Add(ttl / 2)
	_, allowed = takeExpiring(entry, mid, 5, 1, ttl, true)
	if allowed {
		t.Fatalf("expected mid-window consume of empty bucket to fail")
	}

	// Past the window the whole bucket resets.
	after := start.Add(ttl)
	next, allowed := takeExpiring(entry, after, 5, 1, ttl, true)
	if !allowed {
		t.Fatalf("expected consume after window expiry to succeed")
	}
	if next.Count != 4 {
		t.Fatalf("count = %d, want 4", next.Count)
	}
	if next.Timestamp != after.UnixMilli() {
		t.Fatalf("window restart did not refresh createdAt")
	}
}

func TestTakeExpiringConsumeKeepsWindowStart(t *testing.T) {
	start := time.UnixMilli(3_000_000)
	ttl := 30 * time.Minute

	entry, _ := takeExpiring(nil, start, 5, 1, ttl, true)
	later := start.Add(time.Minute)
	next, allowed := takeExpiring(entry, later, 5, 1, ttl, true)
	if !allowed {
		t.Fatalf("expected second consume to succeed")
	}
	if next.Timestamp != start.UnixMilli() {
		t.Fatalf("second consume must not refresh createdAt")
	}
	if next.Count != 3 {
		t.Fatalf("count = %d, want 3", next.Count)
	}
}

func TestTakeExpiringCheckLeavesFreshWindowUnstamped(t *testing.T) {
	start := time.UnixMilli(3_500_000)
	ttl := 30 * time.Minute

	// A pure check of an absent key stores nothing.
	next, allowed := takeExpiring(nil, start, 5, 1, ttl, false)
	if !allowed {
		t.Fatalf("expected check of fresh window to pass")
	}
	if next != nil {
		t.Fatalf("check pinned the window start: %+v", next)
	}

	// The window starts at the first consumption, not at the check.
	consumedAt := start.Add(time.Minute)
	next, allowed = takeExpiring(nil, consumedAt, 5, 1, ttl, true)
	if !allowed || next == nil {
		t.Fatalf("first consume failed: allowed=%v entry=%+v", allowed, next)
	}
	if next.Timestamp != consumedAt.UnixMilli() {
		t.Fatalf("window start = %d, want %d", next.Timestamp, consumedAt.UnixMilli())
	}

	// A stale entry read back as fresh behaves the same way.
	stale := &tokenBucketEntry{Count: 0, Timestamp: start.Add(-2 * ttl).UnixMilli()}
	next, allowed = takeExpiring(stale, start, 5, 1, ttl, false)
	if !allowed || next != nil {
		t.Fatalf("check of expired window: allowed=%v entry=%+v", allowed, next)
	}
}

func TestAdvanceThrottleBackoffIsMonotonic(t *testing.T) {
	timeouts := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	start := time.UnixMilli(4_000_000)

	entry, allowed := advanceThrottle(nil, start, timeouts)
	if !allowed || entry.Index != 0 {
		t.Fatalf("first consume: allowed=%v index=%d", allowed, entry.Index)
	}

	// Too early: fails and must not advance the index.
	tooEarly := start.Add(500 * time.Millisecond)
	unchanged, allowed := advanceThrottle(&entry, tooEarly, timeouts)
	if allowed {
		t.Fatalf("expected early consume to fail")
	}
	if unchanged.Index != entry.Index || unchanged.UpdatedAt != entry.UpdatedAt {
		t.Fatalf("failed consume mutated the entry")
	}

	// Satisfying each threshold advances the index, clamped at the end.
	at := start
	for i, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		at = at.Add(wait)
		next, ok := advanceThrottle(&entry, at, timeouts)
		if !ok {
			t.Fatalf("consume %d failed after waiting %v", i, wait)
		}
		entry = next
	}
	if entry.Index != 2 {
		t.Fatalf("index = %d, want clamp at 2", entry.Index)
	}
}

func TestBucketEntryCodecRoundTrip(t *testing.T) {
	in := tokenBucketEntry{Count: 42, Timestamp: 123456789}
	out, err := decodeBucketEntry(encodeBucketEntry(in))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if *out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", *out, in)
	}

	if _, err := decodeBucketEntry([]byte{0xFF, 0x00}); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestThrottleEntryCodecRoundTrip(t *testing.T) {
	in := throttleEntry{Index: 7, UpdatedAt: 987654321}
	out, err := decodeThrottleEntry(encodeThrottleEntry(in))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if *out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", *out, in)
	}
}
