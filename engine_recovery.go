package authcore

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/casavia/authcore/credential"
)

// RecoveryCode returns the account's current recovery code in plaintext
// for the user to store. Requires a fully verified session.
func (e *Engine) RecoveryCode(ctx context.Context, token string) (string, error) {
	result, err := e.ValidateSessionToken(ctx, token)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", ErrUnauthenticated
	}
	sess, u := result.Session, result.User
	if !u.EmailVerified {
		return "", ErrForbidden
	}
	if u.Registered2FA() && !sess.TwoFactorVerified {
		return "", ErrForbidden
	}

	code, err := e.secrets.DecryptString(u.RecoveryCode)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return code, nil
}

// RegenerateRecoveryCode replaces the recovery code and returns the new
// plaintext. The old code stops working immediately.
func (e *Engine) RegenerateRecoveryCode(ctx context.Context, token string) (string, error) {
	result, err := e.ValidateSessionToken(ctx, token)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", ErrUnauthenticated
	}
	sess, u := result.Session, result.User
	if !u.EmailVerified {
		return "", ErrForbidden
	}
	if u.Registered2FA() && !sess.TwoFactorVerified {
		return "", ErrForbidden
	}

	code, err := credential.GenerateRecoveryCode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	encrypted, err := e.secrets.EncryptString(code)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.users.SetRecoveryCode(ctx, u.ID, encrypted); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}

	e.emit(ctx, AuditEvent{
		EventType: "recovery_code_regenerated",
		UserID:    u.ID,
		SessionID: sess.ID,
		Success:   true,
	})
	return code, nil
}

// ResetTOTPWithRecoveryCode lets a user locked out of their authenticator
// disable 2FA with the recovery code. The code is compared and rotated in
// one guarded update, so two concurrent submissions of the same code yield
// exactly one winner. Returns the replacement recovery code.
func (e *Engine) ResetTOTPWithRecoveryCode(ctx context.Context, token, recoveryCode string) (string, error) {
	result, err := e.ValidateSessionToken(ctx, token)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", ErrUnauthenticated
	}
	sess, u := result.Session, result.User
	if !u.EmailVerified {
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
		e.emit(ctx, AuditEvent{
			EventType: "recovery_code_reset",
			UserID:    u.ID,
			SessionID: sess.ID,
			Success:   false,
			Error:     "code mismatch",
		})
		return "", ErrIncorrectCode
	}

	// The authenticator may be in an attacker's hands, so every open
	// session is retired along with it.
	if err := e.sessions.InvalidateUser(ctx, u.ID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	e.metrics.Inc(MetricSessionInvalidated)

	if err := e.recoveryCode.Reset(ctx, u.ID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}

	e.metrics.Inc(MetricRecoveryCodeUsed)
	e.emit(ctx, AuditEvent{
		EventType: "recovery_code_reset",
		UserID:    u.ID,
		SessionID: sess.ID,
		Success:   true,
	})
	return next, nil
}
