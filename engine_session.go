package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/casavia/authcore/user"
)

// ValidateSessionToken resolves token to its session and user, sliding the
// expiry forward when the session is in its renewal window. Unknown,
// expired, and orphaned tokens all yield (nil, nil).
func (e *Engine) ValidateSessionToken(ctx context.Context, token string) (*SessionResult, error) {
	if token == "" {
		return nil, nil
	}

	sess, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if sess == nil {
		return nil, nil
	}
	if sess.Renewed {
		e.metrics.Inc(MetricSessionRenewed)
	}

	u, err := e.users.GetByID(ctx, sess.UserID)
	if errors.Is(err, user.ErrNotFound) {
		// Account deleted out from under the session.
		if err := e.sessions.Invalidate(ctx, sess.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	return &SessionResult{Session: sess, User: u}, nil
}

// UpdatePassword changes the password of the signed-in account after
// re-checking the current one, then revokes every other session. The
// caller keeps a fresh session minted here.
func (e *Engine) UpdatePassword(ctx context.Context, token, currentPassword, newPassword string) (*SessionResult, error) {
	result, err := e.ValidateSessionToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrUnauthenticated
	}
	sess, u := result.Session, result.User
	if u.Registered2FA() && !sess.TwoFactorVerified {
		return nil, ErrForbidden
	}

	ok, err := e.passwordSelf.Consume(ctx, sess.ID, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return nil, ErrRateLimited
	}

	if !e.hasher.Verify(u.PasswordHash, currentPassword) {
		return nil, ErrInvalidCredential
	}
	if err := e.checkPassword(ctx, newPassword); err != nil {
		return nil, err
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

	fresh, err := e.mintSession(ctx, u.ID, sess.TwoFactorVerified)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = hash
	fresh.User = u

	e.emit(ctx, AuditEvent{
		EventType: "password_update",
		UserID:    u.ID,
		SessionID: fresh.Session.ID,
		Success:   true,
	})
	return fresh, nil
}
