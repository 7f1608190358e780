package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/casavia/authcore/user"
)

// SignIn checks the email and password pair and mints a session. The new
// session still needs second-factor verification when the account has one
// registered. Unknown emails and wrong passwords are indistinguishable to
// the caller.
func (e *Engine) SignIn(ctx context.Context, email, password string) (*SessionResult, error) {
	if !validEmail(email) || password == "" {
		return nil, ErrInvalidInput
	}

	ok, err := e.signInIP.Consume(ctx, limitKeyIP(ctx), 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return nil, ErrRateLimited
	}

	u, err := e.users.GetByEmail(ctx, email)
	if errors.Is(err, user.ErrNotFound) {
		e.metrics.Inc(MetricSignInFailure)
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	// The backoff is keyed by account, not IP, so a distributed guessing
	// attack against one account still slows down.
	ok, err = e.signInBackoff.Consume(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		e.metrics.Inc(MetricRateLimitHit)
		return nil, ErrRateLimited
	}

	if !e.hasher.Verify(u.PasswordHash, password) {
		e.metrics.Inc(MetricSignInFailure)
		e.emit(ctx, AuditEvent{
			EventType: "signin",
			UserID:    u.ID,
			Success:   false,
			Error:     "password mismatch",
		})
		return nil, ErrInvalidCredential
	}

	if err := e.signInBackoff.Reset(ctx, u.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	result, err := e.mintSession(ctx, u.ID, false)
	if err != nil {
		return nil, err
	}
	result.User = u

	e.metrics.Inc(MetricSignInSuccess)
	e.emit(ctx, AuditEvent{
		EventType: "signin",
		UserID:    u.ID,
		SessionID: result.Session.ID,
		Success:   true,
	})
	return result, nil
}

// SignOut invalidates the session behind token. An unknown or expired
// token is reported as unauthenticated.
func (e *Engine) SignOut(ctx context.Context, token string) error {
	sess, err := e.sessions.Validate(ctx, token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if sess == nil {
		return ErrUnauthenticated
	}
	if err := e.sessions.Invalidate(ctx, sess.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	e.metrics.Inc(MetricSignOut)
	e.metrics.Inc(MetricSessionInvalidated)
	e.emit(ctx, AuditEvent{
		EventType: "signout",
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Success:   true,
	})
	return nil
}
