// Package session manages the long-lived authenticated session lifecycle:
// creation at sign-in, validation with sliding-window renewal, lazy expiry,
// and invalidation on sign-out or credential changes.
//
// Sessions are persisted in Redis keyed by a one-way hash of the raw token;
// the token itself only ever exists in the caller's cookie.
package session

import "time"

// Lifetime is the full session duration granted at creation and at each
// sliding-window renewal.
const Lifetime = 30 * 24 * time.Hour

// RenewalWindow is how close to expiry a validated session must be before
// its expiry is pushed back to now+Lifetime. Renew-on-use bounds storage
// writes to roughly one per fifteen days of activity per session.
const RenewalWindow = 15 * 24 * time.Hour

// Session is the stored state for one authenticated device.
type Session struct {
	// ID is the SHA-256 hash of the raw token, hex encoded. The raw token
	// is never persisted.
	ID                string
	UserID            string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	TwoFactorVerified bool

	// Renewed reports that this validation slid the expiry forward. Set
	// per call, never persisted.
	Renewed bool
}
