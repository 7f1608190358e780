package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/casavia/authcore/credential"
	"github.com/casavia/authcore/user"
)

// SignInWithGoogle signs in, or first registers, the account behind a
// Google identity already verified by the OAuth callback. Google vouches
// for both the email and the login, so the account starts email verified
// and the session starts two-factor verified.
func (e *Engine) SignInWithGoogle(ctx context.Context, googleID, email, username string) (*SessionResult, error) {
	if googleID == "" || !validEmail(email) {
		return nil, ErrInvalidInput
	}

	u, err := e.users.GetByGoogleID(ctx, googleID)
	switch {
	case err == nil:
	case errors.Is(err, user.ErrNotFound):
		u, err = e.registerGoogleUser(ctx, googleID, email, username)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	result, err := e.mintSession(ctx, u.ID, true)
	if err != nil {
		return nil, err
	}
	result.User = u

	e.metrics.Inc(MetricGoogleSignIn)
	e.emit(ctx, AuditEvent{
		EventType: "google_signin",
		UserID:    u.ID,
		SessionID: result.Session.ID,
		Success:   true,
	})
	return result, nil
}

func (e *Engine) registerGoogleUser(ctx context.Context, googleID, email, username string) (*user.User, error) {
	if _, err := e.users.GetByEmail(ctx, email); err == nil {
		// The address belongs to a password account; refuse to link
		// silently.
		return nil, ErrAccountExists
	} else if !errors.Is(err, user.ErrNotFound) {
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

	if !validUsername(username) {
		username = "user_" + uuid.NewString()[:8]
	}
	u := &user.User{
		ID:            uuid.NewString(),
		Email:         email,
		Username:      username,
		EmailVerified: true,
		RecoveryCode:  encryptedRecovery,
		GoogleID:      googleID,
		CreatedAt:     e.now(),
	}
	if err := e.users.Create(ctx, u); err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	e.metrics.Inc(MetricSignUpSuccess)
	return u, nil
}
