package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/casavia/authcore/user"
)

// ResendEmailVerification re-delivers the pending email challenge, or
// issues a new one when none is pending. Requests against an
// already-verified account with no pending address change are rejected.
func (e *Engine) ResendEmailVerification(ctx context.Context, token string) error {
	result, err := e.ValidateSessionToken(ctx, token)
	if err != nil {
		return err
	}
	if result == nil {
		return ErrUnauthenticated
	}
	u := result.User

	ok, err := e.sendEmail.Consume(ctx, u.ID, 1)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return ErrRateLimited
	}

	email := u.Email
	req, err := e.users.GetEmailVerificationRequest(ctx, u.ID)
	switch {
	case err == nil:
		email = req.Email
	case errors.Is(err, user.ErrNotFound):
		if u.EmailVerified {
			return ErrForbidden
		}
	default:
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	return e.issueVerificationRequest(ctx, u.ID, u.Username, email)
}

// VerifyEmail checks the emailed code and marks the pending address
// verified. An expired challenge is replaced with a fresh code so the
// user is never stranded. Verifying an email revokes any password reset
// sessions the account had open.
func (e *Engine) VerifyEmail(ctx context.Context, token, code string) error {
	result, err := e.ValidateSessionToken(ctx, token)
	if err != nil {
		return err
	}
	if result == nil {
		return ErrUnauthenticated
	}
	sess, u := result.Session, result.User
	if u.Registered2FA() && !sess.TwoFactorVerified {
		return ErrForbidden
	}
	if code == "" {
		return ErrInvalidInput
	}

	if ok, err := e.verifyEmail.Check(ctx, u.ID, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	} else if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return ErrRateLimited
	}

	req, err := e.users.GetEmailVerificationRequest(ctx, u.ID)
	if errors.Is(err, user.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	if !e.now().Before(req.ExpiresAt) {
		// Self-heal: replace the lapsed challenge before reporting it.
		if err := e.issueVerificationRequest(ctx, u.ID, u.Username, req.Email); err != nil {
			return err
		}
		return ErrExpired
	}

	if ok, err := e.verifyEmail.Consume(ctx, u.ID, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	} else if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return ErrRateLimited
	}

	submitted := user.HashVerificationCode(code)
	if subtle.ConstantTimeCompare(submitted[:], req.CodeHash[:]) != 1 {
		e.metrics.Inc(MetricEmailVerificationFailure)
		return ErrIncorrectCode
	}

	if err := e.verifyEmail.Reset(ctx, u.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.users.DeleteEmailVerificationRequest(ctx, u.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.users.SetEmailVerified(ctx, u.ID, req.Email); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	// A verified email invalidates any reset flow started against the old
	// address.
	if err := e.resets.InvalidateUser(ctx, u.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	e.metrics.Inc(MetricEmailVerified)
	e.emit(ctx, AuditEvent{
		EventType: "email_verified",
		UserID:    u.ID,
		SessionID: sess.ID,
		Success:   true,
	})
	return nil
}

// ChangeEmail starts an address change by issuing a verification challenge
// to the new address. The account keeps its old address until the code is
// confirmed through VerifyEmail.
func (e *Engine) ChangeEmail(ctx context.Context, token, newEmail string) error {
	result, err := e.ValidateSessionToken(ctx, token)
	if err != nil {
		return err
	}
	if result == nil {
		return ErrUnauthenticated
	}
	sess, u := result.Session, result.User
	if u.Registered2FA() && !sess.TwoFactorVerified {
		return ErrForbidden
	}
	if !validEmail(newEmail) {
		return ErrInvalidInput
	}

	if _, err := e.users.GetByEmail(ctx, newEmail); err == nil {
		return ErrAccountExists
	} else if !errors.Is(err, user.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	ok, err := e.sendEmail.Consume(ctx, u.ID, 1)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return ErrRateLimited
	}

	return e.issueVerificationRequest(ctx, u.ID, u.Username, newEmail)
}
