package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/casavia/authcore/credential"
	mailer "github.com/casavia/authcore/mail"
	"github.com/casavia/authcore/ratelimit"
	"github.com/casavia/authcore/resetsession"
	"github.com/casavia/authcore/session"
	"github.com/casavia/authcore/totp"
	"github.com/casavia/authcore/user"
)

// signInBackoffTable is the per-account backoff after failed sign-ins. A
// correct password resets it.
var signInBackoffTable = []time.Duration{
	time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 30 * time.Second, time.Minute,
	3 * time.Minute, 5 * time.Minute,
}

// Deps are the external collaborators of the Engine.
type Deps struct {
	Users         user.Store
	Sessions      *session.Store
	ResetSessions *resetsession.Store
	// Limits backs every rate limiter. Use the Redis store in production
	// so limits hold across instances.
	Limits ratelimit.Store
	Mail   mailer.Sender
	// Breaches is optional; when nil, breach lookups are skipped.
	Breaches credential.BreachChecker
	// AuditSink is optional; events go to a zap sink or nowhere.
	AuditSink AuditSink
}

// Engine is the authentication core. It is safe for concurrent use once
// constructed.
type Engine struct {
	config   Config
	users    user.Store
	sessions *session.Store
	resets   *resetsession.Store
	mail     mailer.Sender

	hasher   *credential.PasswordHasher
	strength *credential.StrengthPolicy
	secrets  *credential.SecretBox
	totp     *totp.Verifier

	signInIP      *ratelimit.RefillingTokenBucket[string]
	signInBackoff *ratelimit.Throttler[string]
	verifyEmail   *ratelimit.ExpiringTokenBucket[string]
	sendEmail     *ratelimit.RefillingTokenBucket[string]
	totpSetup     *ratelimit.RefillingTokenBucket[string]
	totpVerify    *ratelimit.ExpiringTokenBucket[string]
	recoveryCode  *ratelimit.ExpiringTokenBucket[string]
	forgotIP      *ratelimit.RefillingTokenBucket[string]
	resetVerify   *ratelimit.ExpiringTokenBucket[string]
	passwordSelf  *ratelimit.ExpiringTokenBucket[string]

	audit   *auditDispatcher
	metrics *Metrics
	now     func() time.Time
}

// New validates cfg, wires the limiters, and starts the audit dispatcher.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Users == nil || deps.Sessions == nil || deps.ResetSessions == nil ||
		deps.Limits == nil || deps.Mail == nil {
		return nil, errors.New("authcore: missing dependency")
	}

	hasher, err := credential.NewPasswordHasher(cfg.Hasher)
	if err != nil {
		return nil, err
	}
	secrets, err := credential.NewSecretBox(cfg.SecretKey)
	if err != nil {
		return nil, err
	}

	ls := deps.Limits
	e := &Engine{
		config:   cfg,
		users:    deps.Users,
		sessions: deps.Sessions,
		resets:   deps.ResetSessions,
		mail:     deps.Mail,
		hasher:   hasher,
		strength: credential.NewStrengthPolicy(deps.Breaches),
		secrets:  secrets,
		totp:     totp.NewVerifier(cfg.Issuer, 1),

		signInIP:      ratelimit.NewRefillingTokenBucket[string](ls, "signin_ip", 20, time.Second),
		signInBackoff: ratelimit.NewThrottler[string](ls, "signin_user", signInBackoffTable),
		verifyEmail:   ratelimit.NewExpiringTokenBucket[string](ls, "verify_email", 5, 30*time.Minute),
		sendEmail:     ratelimit.NewRefillingTokenBucket[string](ls, "send_email", 3, 10*time.Minute),
		totpSetup:     ratelimit.NewRefillingTokenBucket[string](ls, "totp_setup", 3, 10*time.Minute),
		totpVerify:    ratelimit.NewExpiringTokenBucket[string](ls, "totp_verify", 5, 30*time.Minute),
		recoveryCode:  ratelimit.NewExpiringTokenBucket[string](ls, "recovery_code", 3, time.Hour),
		forgotIP:      ratelimit.NewRefillingTokenBucket[string](ls, "forgot_ip", 3, time.Minute),
		resetVerify:   ratelimit.NewExpiringTokenBucket[string](ls, "reset_verify", 5, 30*time.Minute),
		passwordSelf:  ratelimit.NewExpiringTokenBucket[string](ls, "password_self", 5, 30*time.Minute),

		audit:   newAuditDispatcher(cfg.Audit, deps.AuditSink),
		metrics: NewMetrics(cfg.Metrics),
		now:     time.Now,
	}
	return e, nil
}

// Close flushes the audit dispatcher. The Engine must not be used after
// Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// Metrics exposes the engine counters.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// AuditDropped reports how many audit events were shed under load.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) emit(ctx context.Context, event AuditEvent) {
	if e.audit == nil {
		return
	}
	event.Timestamp = e.now()
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	e.audit.Emit(ctx, event)
}

// limitKeyIP keys per-IP limiters, with a shared fallback bucket when the
// transport never attached an address.
func limitKeyIP(ctx context.Context) string {
	if ip := clientIPFromContext(ctx); ip != "" {
		return ip
	}
	return "unknown"
}

func validEmail(email string) bool {
	if len(email) == 0 || len(email) > 255 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email, "@")
}

func validUsername(username string) bool {
	n := len(strings.TrimSpace(username))
	return n >= 3 && n <= 32 && n == len(username)
}

// checkPassword applies the length policy and the breach lookup. A breach
// backend failure fails open; a breached password is rejected.
func (e *Engine) checkPassword(ctx context.Context, password string) error {
	if len(password) < e.config.MinPasswordLength || len(password) > e.config.MaxPasswordLength {
		return ErrWeakPassword
	}
	ok, err := e.strength.Acceptable(ctx, password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		return ErrWeakPassword
	}
	return nil
}

// mintSession creates a fresh session and returns the plaintext token.
func (e *Engine) mintSession(ctx context.Context, userID string, twoFactorVerified bool) (*SessionResult, error) {
	token, err := credential.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	sess, err := e.sessions.Create(ctx, token, userID, twoFactorVerified)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	e.metrics.Inc(MetricSessionCreated)
	return &SessionResult{Token: token, Session: sess}, nil
}
