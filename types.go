package authcore

import (
	"github.com/casavia/authcore/resetsession"
	"github.com/casavia/authcore/session"
	"github.com/casavia/authcore/user"
)

// SessionResult is returned by operations that establish or validate a
// session. Token is the plaintext session token and is only populated by
// operations that mint a new session; validation returns the stored
// session and user with an empty Token.
type SessionResult struct {
	Token   string
	Session *session.Session
	User    *user.User
}

// TOTPSetup carries the material a client needs to enroll an
// authenticator app.
type TOTPSetup struct {
	// EncodedKey is the base32 shared secret for manual entry.
	EncodedKey string
	// ProvisionURI is the otpauth:// URI rendered as a QR code.
	ProvisionURI string
}

// ResetSessionResult is returned by the password reset flow. Token is the
// plaintext reset session token set as the reset cookie.
type ResetSessionResult struct {
	Token   string
	Session *resetsession.Session
}
