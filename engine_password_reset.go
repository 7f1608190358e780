package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/casavia/authcore/credential"
	"github.com/casavia/authcore/resetsession"
	"github.com/casavia/authcore/user"
)

// ForgotPassword starts a password reset: it opens a staged reset session
// and emails a confirmation code. The returned token becomes the reset
// cookie. This is the one place that reveals whether an email is
// registered, so it carries its own per-IP limit.
func (e *Engine) ForgotPassword(ctx context.Context, email string) (*ResetSessionResult, error) {
	if !validEmail(email) {
		return nil, ErrInvalidInput
	}

	ok, err := e.forgotIP.Consume(ctx, limitKeyIP(ctx), 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return nil, ErrRateLimited
	}

	u, err := e.users.GetByEmail(ctx, email)
	if errors.Is(err, user.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	token, err := credential.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	code, err := credential.GenerateOTP(8)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	sess, err := e.resets.Create(ctx, token, u.ID, u.Email, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.mail.SendPasswordResetEmail(ctx, u.Email, code); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	e.metrics.Inc(MetricPasswordResetStarted)
	e.emit(ctx, AuditEvent{
		EventType: "password_reset_started",
		UserID:    u.ID,
		Success:   true,
	})
	return &ResetSessionResult{Token: token, Session: sess}, nil
}

// ValidateResetSessionToken resolves a reset token to its session and
// user. Unknown and expired tokens yield (nil, nil, nil).
func (e *Engine) ValidateResetSessionToken(ctx context.Context, token string) (*resetsession.Session, *user.User, error) {
	if token == "" {
		return nil, nil, nil
	}

	sess, err := e.resets.Validate(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if sess == nil {
		return nil, nil, nil
	}

	u, err := e.users.GetByID(ctx, sess.UserID)
	if errors.Is(err, user.ErrNotFound) {
		if err := e.resets.Invalidate(ctx, sess.ID); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return sess, u, nil
}

// VerifyResetEmail confirms the emailed code for the reset session,
// completing its first stage. Confirming the code also proves the inbox,
// so the account is marked email verified.
func (e *Engine) VerifyResetEmail(ctx context.Context, token, code string) error {
	sess, u, err := e.ValidateResetSessionToken(ctx, token)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrUnauthenticated
	}
	if sess.EmailVerified {
		return ErrForbidden
	}
	if code == "" {
		return ErrInvalidInput
	}

	ok, err := e.resetVerify.Consume(ctx, sess.ID, 1)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return ErrRateLimited
	}

	err = e.resets.ConfirmEmailCode(ctx, sess.ID, code)
	switch {
	case err == nil:
	case errors.Is(err, resetsession.ErrCodeMismatch):
		return ErrIncorrectCode
	case errors.Is(err, resetsession.ErrSessionGone):
		// Expired between validation and the code check.
		return ErrUnauthenticated
	default:
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	if err := e.resetVerify.Reset(ctx, sess.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.users.SetEmailVerified(ctx, u.ID, sess.Email); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// VerifyResetTOTP completes the second-factor stage of a reset session
// with an authenticator code.
func (e *Engine) VerifyResetTOTP(ctx context.Context, token, code string) error {
	sess, u, err := e.ValidateResetSessionToken(ctx, token)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrUnauthenticated
	}
	if !sess.EmailVerified || sess.TwoFactorVerified {
		return ErrForbidden
	}
	if !u.Registered2FA() {
		return ErrSecondFactorNotSetUp
	}

	if ok, err := e.totpVerify.Check(ctx, u.ID, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	} else if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return ErrRateLimited
	}

	key, err := e.secrets.Decrypt(u.TOTPKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	if ok, err := e.totpVerify.Consume(ctx, u.ID, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	} else if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return ErrRateLimited
	}

	ok, err := e.totp.Verify(key, code, e.now())
	if err != nil || !ok {
		e.metrics.Inc(MetricTOTPFailure)
		return ErrIncorrectCode
	}

	if err := e.totpVerify.Reset(ctx, u.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.resets.SetTwoFactorVerified(ctx, sess.ID); err != nil {
		if errors.Is(err, resetsession.ErrSessionGone) {
			return ErrUnauthenticated
		}
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	e.metrics.Inc(MetricTOTPSuccess)
	return nil
}

// VerifyResetRecoveryCode completes the second-factor stage of a reset
// session with the recovery code, rotating it and unenrolling the
// authenticator like ResetTOTPWithRecoveryCode. Returns the replacement
// code.
func (e *Engine) VerifyResetRecoveryCode(ctx context.Context, token, recoveryCode string) (string, error) {
	sess, u, err := e.ValidateResetSessionToken(ctx, token)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", ErrUnauthenticated
	}
	if !sess.EmailVerified || sess.TwoFactorVerified {
		return "", ErrForbidden
	}
	if !u.Registered2FA() {
		return "", ErrSecondFactorNotSetUp
	}
	if recoveryCode == "" {
		return "", ErrInvalidInput
	}

	ok, err := e.recoveryCode.Consume(ctx, u.ID, 1)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return "", ErrRateLimited
	}

	next, err := credential.GenerateRecoveryCode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	encryptedNext, err := e.secrets.EncryptString(next)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}

	won, err := e.users.RotateRecoveryCodeAndClearTOTP(ctx, u.ID, func(encrypted []byte) bool {
		current, err := e.secrets.DecryptString(encrypted)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(current), []byte(recoveryCode)) == 1
	}, encryptedNext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !won {
		e.metrics.Inc(MetricRecoveryCodeFailure)
		return "", ErrIncorrectCode
	}

	// Same posture as ResetTOTPWithRecoveryCode: a used recovery code
	// retires every open login session.
	if err := e.sessions.InvalidateUser(ctx, u.ID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	e.metrics.Inc(MetricSessionInvalidated)

	if err := e.recoveryCode.Reset(ctx, u.ID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.resets.SetTwoFactorVerified(ctx, sess.ID); err != nil {
		if errors.Is(err, resetsession.ErrSessionGone) {
			return "", ErrUnauthenticated
		}
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}

	e.metrics.Inc(MetricRecoveryCodeUsed)
	return next, nil
}

// ResetPassword finishes a fully verified reset session: it retires every
// reset session and login session of the account, installs the new
// password, and signs the caller in. The fresh session inherits the reset
// session's second-factor standing.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) (*SessionResult, error) {
	sess, u, err := e.ValidateResetSessionToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrUnauthenticated
	}
	if !sess.EmailVerified {
		return nil, ErrForbidden
	}
	if u.Registered2FA() && !sess.TwoFactorVerified {
		return nil, ErrSecondFactorRequired
	}
	if err := e.checkPassword(ctx, newPassword); err != nil {
		return nil, err
	}

	// Retire the reset session before touching the password so a raced
	// duplicate submission cannot complete twice.
	if err := e.resets.InvalidateUser(ctx, u.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.users.UpdatePasswordHash(ctx, u.ID, hash); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.sessions.InvalidateUser(ctx, u.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	e.metrics.Inc(MetricSessionInvalidated)

	result, err := e.mintSession(ctx, u.ID, sess.TwoFactorVerified)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = hash
	result.User = u

	e.metrics.Inc(MetricPasswordResetCompleted)
	e.emit(ctx, AuditEvent{
		EventType: "password_reset_completed",
		UserID:    u.ID,
		SessionID: result.Session.ID,
		Success:   true,
	})
	return result, nil
}
