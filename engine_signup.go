package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/casavia/authcore/credential"
	"github.com/casavia/authcore/user"
)

// SignUp registers an account, emails a verification code, and signs the
// new account in. The returned session is not two-factor verified.
func (e *Engine) SignUp(ctx context.Context, email, username, password string) (*SessionResult, error) {
	if !validEmail(email) || !validUsername(username) {
		return nil, ErrInvalidInput
	}
	if err := e.checkPassword(ctx, password); err != nil {
		return nil, err
	}

	if _, err := e.users.GetByEmail(ctx, email); err == nil {
		e.metrics.Inc(MetricSignUpRejected)
		return nil, ErrAccountExists
	} else if !errors.Is(err, user.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	hash, err := e.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	recoveryCode, err := credential.GenerateRecoveryCode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	encryptedRecovery, err := e.secrets.EncryptString(recoveryCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	u := &user.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		RecoveryCode: encryptedRecovery,
		CreatedAt:    e.now(),
	}
	if err := e.users.Create(ctx, u); err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			e.metrics.Inc(MetricSignUpRejected)
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	if err := e.issueVerificationRequest(ctx, u.ID, u.Username, email); err != nil {
		return nil, err
	}

	result, err := e.mintSession(ctx, u.ID, false)
	if err != nil {
		return nil, err
	}
	result.User = u

	e.metrics.Inc(MetricSignUpSuccess)
	e.emit(ctx, AuditEvent{
		EventType: "signup",
		UserID:    u.ID,
		SessionID: result.Session.ID,
		Success:   true,
	})
	return result, nil
}

// issueVerificationRequest replaces the user's pending email challenge and
// delivers a fresh code to the given address.
func (e *Engine) issueVerificationRequest(ctx context.Context, userID, username, email string) error {
	code, err := credential.GenerateOTP(8)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	req := &user.EmailVerificationRequest{
		ID:        uuid.NewString(),
		UserID:    userID,
		Email:     email,
		CodeHash:  user.HashVerificationCode(code),
		ExpiresAt: e.now().Add(user.VerificationTTL),
	}
	if err := e.users.CreateEmailVerificationRequest(ctx, req); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := e.mail.SendVerificationEmail(ctx, email, username, code); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	e.metrics.Inc(MetricEmailVerificationSent)
	return nil
}
