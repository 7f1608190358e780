package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/casavia/authcore"
	"github.com/casavia/authcore/session"
	"github.com/casavia/authcore/user"
)

// userView is the client-safe projection of an account. Credential
// material never leaves the server.
func userView(u *user.User) gin.H {
	return gin.H{
		"id":             u.ID,
		"email":          u.Email,
		"username":       u.Username,
		"email_verified": u.EmailVerified,
		"registered_2fa": u.Registered2FA(),
	}
}

func sessionView(s *session.Session) gin.H {
	return gin.H{
		"expires_at":          s.ExpiresAt,
		"two_factor_verified": s.TwoFactorVerified,
	}
}

func (h *Handler) signUp(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	result, err := h.engine.SignUp(h.ctx(c), req.Email, req.Username, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.setSessionCookie(c, result.Token)
	c.JSON(http.StatusCreated, gin.H{"user": userView(result.User), "session": sessionView(result.Session)})
}

func (h *Handler) signIn(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	result, err := h.engine.SignIn(h.ctx(c), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.setSessionCookie(c, result.Token)
	c.JSON(http.StatusOK, gin.H{"user": userView(result.User), "session": sessionView(result.Session)})
}

func (h *Handler) signOut(c *gin.Context) {
	if err := h.engine.SignOut(h.ctx(c), sessionToken(c)); err != nil {
		h.fail(c, err)
		return
	}
	h.deleteSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "Signed out."})
}

func (h *Handler) currentSession(c *gin.Context) {
	result, err := h.engine.ValidateSessionToken(h.ctx(c), sessionToken(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if result == nil {
		h.deleteSessionCookie(c)
		h.fail(c, authcore.ErrUnauthenticated)
		return
	}
	// Renewal may have slid the expiry; refresh the cookie's lifetime.
	h.setSessionCookie(c, sessionToken(c))
	c.JSON(http.StatusOK, gin.H{"user": userView(result.User), "session": sessionView(result.Session)})
}

func (h *Handler) updatePassword(c *gin.Context) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	result, err := h.engine.UpdatePassword(h.ctx(c), sessionToken(c), req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.setSessionCookie(c, result.Token)
	c.JSON(http.StatusOK, gin.H{"message": "Password updated."})
}

func (h *Handler) changeEmail(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	if err := h.engine.ChangeEmail(h.ctx(c), sessionToken(c), req.Email); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Verification code sent to the new address."})
}

func (h *Handler) resendEmailVerification(c *gin.Context) {
	if err := h.engine.ResendEmailVerification(h.ctx(c), sessionToken(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Verification code sent."})
}

func (h *Handler) verifyEmail(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	if err := h.engine.VerifyEmail(h.ctx(c), sessionToken(c), req.Code); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Email verified."})
}
