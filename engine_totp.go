package authcore

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/casavia/authcore/totp"
)

// BeginTOTPSetup mints a fresh shared secret for authenticator enrollment.
// Nothing is persisted until SetupTOTP confirms the user scanned it.
func (e *Engine) BeginTOTPSetup(ctx context.Context, token string) (*TOTPSetup, error) {
	result, err := e.ValidateSessionToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrUnauthenticated
	}
	u := result.User
	if !u.EmailVerified {
		return nil, ErrForbidden
	}
	if u.Registered2FA() && !result.Session.TwoFactorVerified {
		return nil, ErrForbidden
	}

	key := make([]byte, totp.KeyBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return &TOTPSetup{
		EncodedKey:   totp.EncodeKey(key),
		ProvisionURI: e.totp.ProvisionURI(key, u.Email),
	}, nil
}

// SetupTOTP registers the submitted shared secret once the user proves
// possession with a current code. The calling session becomes two-factor
// verified.
func (e *Engine) SetupTOTP(ctx context.Context, token, encodedKey, code string) error {
	result, err := e.ValidateSessionToken(ctx, token)
	if err != nil {
		return err
	}
	if result == nil {
		return ErrUnauthenticated
	}
	sess, u := result.Session, result.User
	if !u.EmailVerified {
		return ErrForbidden
	}
	if u.Registered2FA() && !sess.TwoFactorVerified {
		return ErrForbidden
	}

	key, err := totp.DecodeKey(encodedKey)
	if err != nil {
		return ErrInvalidInput
	}

	ok, err := e.totpSetup.Consume(ctx, u.ID, 1)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return ErrRateLimited
	}

	ok, err = e.totp.Verify(key, code, e.now())
	if err != nil || !ok {
		e.metrics.Inc(MetricTOTPFailure)
		return ErrIncorrectCode
	}

	encrypted, err := e.secrets.Encrypt(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.users.SetTOTPKey(ctx, u.ID, encrypted); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.sessions.SetTwoFactorVerified(ctx, sess.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	e.metrics.Inc(MetricTOTPSuccess)
	e.emit(ctx, AuditEvent{
		EventType: "totp_setup",
		UserID:    u.ID,
		SessionID: sess.ID,
		Success:   true,
	})
	return nil
}

// VerifyTOTP checks a current authenticator code and promotes the session
// to two-factor verified. The attempt window is consumed before the
// comparison and fully restored on success.
func (e *Engine) VerifyTOTP(ctx context.Context, token, code string) error {
	result, err := e.ValidateSessionToken(ctx, token)
	if err != nil {
		return err
	}
	if result == nil {
		return ErrUnauthenticated
	}
	sess, u := result.Session, result.User
	if !u.EmailVerified {
		return ErrForbidden
	}
	if !u.Registered2FA() {
		return ErrSecondFactorNotSetUp
	}
	if sess.TwoFactorVerified {
		return ErrForbidden
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
		e.emit(ctx, AuditEvent{
			EventType: "totp_verify",
			UserID:    u.ID,
			SessionID: sess.ID,
			Success:   false,
			Error:     "code mismatch",
		})
		return ErrIncorrectCode
	}

	if err := e.totpVerify.Reset(ctx, u.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.sessions.SetTwoFactorVerified(ctx, sess.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	e.metrics.Inc(MetricTOTPSuccess)
	e.emit(ctx, AuditEvent{
		EventType: "totp_verify",
		UserID:    u.ID,
		SessionID: sess.ID,
		Success:   true,
	})
	return nil
}
