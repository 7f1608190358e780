package authcore

import "errors"

var (
	// ErrRateLimited is returned when any limiter refuses the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnauthenticated is returned when no valid session accompanies a
	// request that needs one.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when a valid session lacks the required
	// verification stage for the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInput is returned for malformed or missing fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredential is returned when an email and password pair
	// does not match an account.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrIncorrectCode is returned when a one-time code, TOTP code, or
	// recovery code does not match.
	ErrIncorrectCode = errors.New("incorrect code")
	// ErrAccountNotFound is returned when no account matches the lookup.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned when the email is already registered.
	ErrAccountExists = errors.New("account already exists")
	// ErrWeakPassword is returned when the password fails the strength
	// policy or appears in a known breach.
	ErrWeakPassword = errors.New("weak password")
	// ErrExpired is returned when a challenge or session has lapsed.
	ErrExpired = errors.New("expired")
	// ErrSecondFactorRequired is returned when the operation needs a 2FA
	// step the caller has not completed.
	ErrSecondFactorRequired = errors.New("second factor required")
	// ErrSecondFactorNotSetUp is returned when the account has no
	// registered second factor for the requested check.
	ErrSecondFactorNotSetUp = errors.New("second factor not set up")
	// ErrBackend wraps storage and delivery failures.
	ErrBackend = errors.New("backend unavailable")
)

// Message maps an engine error to the client-safe sentence shown to end
// users. Unknown errors map to a generic failure so internals never leak.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "Too many requests. Please try again later."
	case errors.Is(err, ErrUnauthenticated):
		return "Not authenticated."
	case errors.Is(err, ErrForbidden):
		return "Forbidden."
	case errors.Is(err, ErrInvalidInput):
		return "Invalid or missing fields."
	case errors.Is(err, ErrInvalidCredential):
		return "Incorrect email or password."
	case errors.Is(err, ErrIncorrectCode):
		return "Incorrect code."
	case errors.Is(err, ErrAccountNotFound):
		return "Account does not exist."
	case errors.Is(err, ErrAccountExists):
		return "Email is already used."
	case errors.Is(err, ErrWeakPassword):
		return "Please use a stronger password."
	case errors.Is(err, ErrExpired):
		return "The code or link has expired. Please restart the process."
	case errors.Is(err, ErrSecondFactorRequired):
		return "Two-factor verification is required."
	case errors.Is(err, ErrSecondFactorNotSetUp):
		return "Two-factor authentication is not set up."
	default:
		return "An unknown error occurred. Please try again later."
	}
}
