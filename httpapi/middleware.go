package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/casavia/authcore"
)

const clientIPKey = "authcore.client_ip"

const (
	// SessionCookie carries the login session token.
	SessionCookie = "session"
	// ResetCookie carries the password reset session token.
	ResetCookie = "password_reset_session"
)

// clientIP resolves the caller address, trusting the first entry of
// X-Forwarded-For when present, and threads it into the request context
// for the engine's per-IP limiters.
func (h *Handler) clientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				ip = first
			}
		}
		c.Set(clientIPKey, ip)
		c.Request = c.Request.WithContext(authcore.WithClientIP(c.Request.Context(), ip))
		c.Next()
	}
}

// rateLimit applies the per-IP global bucket before any handler runs.
func (h *Handler) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := h.global.Consume(c.Request.Context(), c.GetString(clientIPKey), 1)
		if err != nil {
			h.fail(c, err)
			return
		}
		if !ok {
			h.fail(c, authcore.ErrRateLimited)
			return
		}
		c.Next()
	}
}

func (h *Handler) ctx(c *gin.Context) context.Context {
	return c.Request.Context()
}

func sessionToken(c *gin.Context) string {
	token, err := c.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return token
}

func resetToken(c *gin.Context) string {
	token, err := c.Cookie(ResetCookie)
	if err != nil {
		return ""
	}
	return token
}

func (h *Handler) setCookie(c *gin.Context, name, value string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.opts.Production,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) setSessionCookie(c *gin.Context, token string) {
	// Cookie lifetime mirrors the session's full lifetime; the server side
	// slides expiry, so the cookie is refreshed on renewal responses.
	h.setCookie(c, SessionCookie, token, 30*24*60*60)
}

func (h *Handler) deleteSessionCookie(c *gin.Context) {
	h.setCookie(c, SessionCookie, "", -1)
}

func (h *Handler) setResetCookie(c *gin.Context, token string) {
	h.setCookie(c, ResetCookie, token, 10*60)
}

func (h *Handler) deleteResetCookie(c *gin.Context) {
	h.setCookie(c, ResetCookie, "", -1)
}
