// Package httpapi exposes the authentication engine over a JSON HTTP API
// with cookie-carried sessions.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/casavia/authcore"
	"github.com/casavia/authcore/ratelimit"
)

// Options tunes the transport layer.
type Options struct {
	// Production switches session cookies to Secure.
	Production bool
	// GlobalRateLimit and GlobalRateRefill bound requests per client IP
	// across all endpoints. Zero values default to 100 per second.
	GlobalRateLimit  int
	GlobalRateRefill time.Duration
}

// Handler bundles the engine with transport concerns.
type Handler struct {
	engine *authcore.Engine
	log    *zap.Logger
	opts   Options
	global *ratelimit.RefillingTokenBucket[string]
}

// NewHandler wires the transport. limits should be the same store the
// engine uses so the global limit holds across instances.
func NewHandler(engine *authcore.Engine, limits ratelimit.Store, log *zap.Logger, opts Options) *Handler {
	if opts.GlobalRateLimit <= 0 {
		opts.GlobalRateLimit = 100
	}
	if opts.GlobalRateRefill <= 0 {
		opts.GlobalRateRefill = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine: engine,
		log:    log,
		opts:   opts,
		global: ratelimit.NewRefillingTokenBucket[string](limits, "http_global", opts.GlobalRateLimit, opts.GlobalRateRefill),
	}
}

// Router builds the gin engine with all routes and middleware attached.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(h.requestLog(), gin.Recovery(), h.clientIP(), h.rateLimit())

	auth := r.Group("/auth")
	auth.POST("/signup", h.signUp)
	auth.POST("/signin", h.signIn)
	auth.POST("/signout", h.signOut)
	auth.GET("/session", h.currentSession)
	auth.POST("/password", h.updatePassword)
	auth.POST("/email", h.changeEmail)

	auth.POST("/email-verification", h.resendEmailVerification)
	auth.POST("/email-verification/verify", h.verifyEmail)

	auth.GET("/2fa/setup", h.beginTOTPSetup)
	auth.POST("/2fa/setup", h.setupTOTP)
	auth.POST("/2fa/verify", h.verifyTOTP)
	auth.POST("/2fa/reset", h.resetTOTP)
	auth.GET("/recovery-code", h.recoveryCode)
	auth.POST("/recovery-code", h.regenerateRecoveryCode)

	auth.POST("/forgot-password", h.forgotPassword)
	reset := auth.Group("/reset-password")
	reset.POST("", h.resetPassword)
	reset.POST("/verify-email", h.verifyResetEmail)
	reset.POST("/2fa/totp", h.verifyResetTOTP)
	reset.POST("/2fa/recovery-code", h.verifyResetRecoveryCode)

	return r
}

// fail renders the uniform {"message": ...} failure body. Backend errors
// are logged with detail and surfaced generically.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"message": authcore.Message(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, authcore.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, authcore.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, authcore.ErrForbidden),
		errors.Is(err, authcore.ErrSecondFactorRequired),
		errors.Is(err, authcore.ErrSecondFactorNotSetUp):
		return http.StatusForbidden
	case errors.Is(err, authcore.ErrInvalidInput),
		errors.Is(err, authcore.ErrInvalidCredential),
		errors.Is(err, authcore.ErrIncorrectCode),
		errors.Is(err, authcore.ErrAccountNotFound),
		errors.Is(err, authcore.ErrAccountExists),
		errors.Is(err, authcore.ErrWeakPassword),
		errors.Is(err, authcore.ErrExpired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.GetString(clientIPKey)),
		)
	}
}
