// Package user holds the authentication projection of a marketplace account
// and its persistence: the Postgres-backed store used in production and an
// in-memory store for tests.
package user

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"
)

// VerificationTTL is the lifetime of an email verification request.
const VerificationTTL = 10 * time.Minute

var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("user: not found")
	// ErrEmailTaken is returned when a create collides with an existing
	// account email.
	ErrEmailTaken = errors.New("user: email already registered")
)

// User is the auth-relevant projection of an account. Second-factor
// material is stored encrypted; this layer never sees the plaintext.
type User struct {
	ID            string
	Email         string
	Username      string
	EmailVerified bool
	PasswordHash  string
	// TOTPKey is the encrypted shared secret; nil until 2FA is registered.
	TOTPKey []byte
	// RecoveryCode is the encrypted backup credential.
	RecoveryCode []byte
	GoogleID     string
	CreatedAt    time.Time
}

// Registered2FA reports whether a TOTP key exists for the account.
func (u *User) Registered2FA() bool {
	return len(u.TOTPKey) > 0
}

// EmailVerificationRequest is the single in-flight email challenge for a
// user. Creating a new one replaces the previous one: at most one live
// request per user at any time.
type EmailVerificationRequest struct {
	ID        string
	UserID    string
	Email     string
	CodeHash  [32]byte
	ExpiresAt time.Time
}

// HashVerificationCode derives the stored digest of an emailed code.
func HashVerificationCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

// Store is the persistence contract consumed by the auth engine.
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByGoogleID(ctx context.Context, googleID string) (*User, error)

	UpdatePasswordHash(ctx context.Context, id, hash string) error
	// SetEmailVerified marks the account verified for email, which becomes
	// the account address. Applying the request's address here is what
	// makes the email-change flow take effect.
	SetEmailVerified(ctx context.Context, id, email string) error
	SetTOTPKey(ctx context.Context, id string, encryptedKey []byte) error
	SetRecoveryCode(ctx context.Context, id string, encrypted []byte) error

	// RotateRecoveryCodeAndClearTOTP performs the recovery-code
	// compare-and-swap: under a row lock it passes the currently stored
	// encrypted code to matches and, only when that reports true, installs
	// next and clears the TOTP key. Exactly one of two concurrent calls
	// with the same valid code can win; the loser observes the rotated
	// code and gets false.
	RotateRecoveryCodeAndClearTOTP(ctx context.Context, id string, matches func(encrypted []byte) bool, next []byte) (bool, error)

	// CreateEmailVerificationRequest installs req as the user's single
	// in-flight request, deleting any prior one in the same transaction.
	CreateEmailVerificationRequest(ctx context.Context, req *EmailVerificationRequest) error
	GetEmailVerificationRequest(ctx context.Context, userID string) (*EmailVerificationRequest, error)
	DeleteEmailVerificationRequest(ctx context.Context, userID string) error
}
