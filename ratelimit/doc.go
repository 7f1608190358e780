// Package ratelimit implements the per-key quota primitives guarding every
// sensitive action: a continuously refilling token bucket, a fixed-window
// expiring token bucket, and a monotonic backoff throttler.
//
// The bucket algorithms are pure transitions over (entry, now); persistence
// sits behind the [Store] interface so the same limiter runs against an
// in-process map or a shared Redis deployment. Every read-modify-write for a
// single key is linearizable; operations on distinct keys never block each
// other.
package ratelimit
