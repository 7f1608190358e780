package ratelimit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	bucketEntryVersionV1   = 1
	throttleEntryVersionV1 = 1
)

var errInvalidEntry = errors.New("invalid rate limit entry")

// tokenBucketEntry is the stored state shared by both token bucket variants.
// The timestamp field holds refilledAt for the refilling bucket and
// createdAt for the expiring bucket, in unix milliseconds.
type tokenBucketEntry struct {
	Count     int32
	Timestamp int64
}

// throttleEntry tracks a key's position in the backoff table.
type throttleEntry struct {
	Index     uint16
	UpdatedAt int64
}

// takeRefilling applies the continuous-refill transition. A nil entry is an
// implicit full bucket. When consume is false the refreshed count is still
// returned so callers persist the refill.
func takeRefilling(e *tokenBucketEntry, now time.Time, max, cost int32, interval time.Duration, consume bool) (tokenBucketEntry, bool) {
	nowMs := now.UnixMilli()

	if e == nil {
		next := tokenBucketEntry{Count: max, Timestamp: nowMs}
		if !consume {
			return next, cost <= max
		}
		if cost > max {
			return next, false
		}
		next.Count = max - cost
		return next, true
	}

	refill := int32(0)
	if interval > 0 {
		refill = int32((nowMs - e.Timestamp) / interval.Milliseconds())
	}
	count := e.Count
	if refill > 0 {
		count += refill
		if count > max {
			count = max
		}
	}

	next := tokenBucketEntry{Count: count, Timestamp: e.Timestamp}
	if refill > 0 {
		next.Timestamp = nowMs
	}

	if count < cost {
		return next, false
	}
	if consume {
		next.Count = count - cost
	}
	return next, true
}

// takeExpiring applies the fixed-window transition: the whole bucket resets
// as a unit once ttl has elapsed since the window started, and createdAt is
// only stamped on the first consumption of a fresh window. A nil result
// means the fresh window stays unstamped and no entry should be stored.
func takeExpiring(e *tokenBucketEntry, now time.Time, max, cost int32, ttl time.Duration, consume bool) (*tokenBucketEntry, bool) {
	nowMs := now.UnixMilli()

	fresh := e == nil || nowMs-e.Timestamp >= ttl.Milliseconds()
	if fresh {
		if !consume || cost > max {
			return nil, cost <= max
		}
		return &tokenBucketEntry{Count: max - cost, Timestamp: nowMs}, true
	}

	next := *e
	if next.Count < cost {
		return &next, false
	}
	if consume {
		next.Count -= cost
	}
	return &next, true
}

// advanceThrottle applies the backoff transition. The first consumption of a
// key succeeds immediately and pins index 0; afterwards a consumption only
// succeeds once timeouts[index] has elapsed, and only a successful
// consumption advances the index.
func advanceThrottle(e *throttleEntry, now time.Time, timeouts []time.Duration) (throttleEntry, bool) {
	nowMs := now.UnixMilli()

	if e == nil {
		return throttleEntry{Index: 0, UpdatedAt: nowMs}, true
	}

	idx := int(e.Index)
	if idx >= len(timeouts) {
		idx = len(timeouts) - 1
	}
	if nowMs-e.UpdatedAt < timeouts[idx].Milliseconds() {
		return *e, false
	}

	next := throttleEntry{Index: e.Index, UpdatedAt: nowMs}
	if int(next.Index) < len(timeouts)-1 {
		next.Index++
	}
	return next, true
}

func encodeBucketEntry(e tokenBucketEntry) []byte {
	var buf bytes.Buffer
	buf.WriteByte(bucketEntryVersionV1)
	_ = binary.Write(&buf, binary.BigEndian, e.Count)
	_ = binary.Write(&buf, binary.BigEndian, e.Timestamp)
	return buf.Bytes()
}

func decodeBucketEntry(data []byte) (*tokenBucketEntry, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil || version != bucketEntryVersionV1 {
		return nil, errInvalidEntry
	}

	var e tokenBucketEntry
	if err := binary.Read(reader, binary.BigEndian, &e.Count); err != nil {
		return nil, errInvalidEntry
	}
	if err := binary.Read(reader, binary.BigEndian, &e.Timestamp); err != nil {
		return nil, errInvalidEntry
	}
	return &e, nil
}

func encodeThrottleEntry(e throttleEntry) []byte {
	var buf bytes.Buffer
	buf.WriteByte(throttleEntryVersionV1)
	_ = binary.Write(&buf, binary.BigEndian, e.Index)
	_ = binary.Write(&buf, binary.BigEndian, e.UpdatedAt)
	return buf.Bytes()
}

func decodeThrottleEntry(data []byte) (*throttleEntry, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil || version != throttleEntryVersionV1 {
		return nil, errInvalidEntry
	}

	var e throttleEntry
	if err := binary.Read(reader, binary.BigEndian, &e.Index); err != nil {
		return nil, errInvalidEntry
	}
	if err := binary.Read(reader, binary.BigEndian, &e.UpdatedAt); err != nil {
		return nil, errInvalidEntry
	}
	return &e, nil
}
