package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/casavia/authcore"
)

func (h *Handler) forgotPassword(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	result, err := h.engine.ForgotPassword(h.ctx(c), req.Email)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.setResetCookie(c, result.Token)
	c.JSON(http.StatusOK, gin.H{"message": "Reset code sent."})
}

func (h *Handler) verifyResetEmail(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	if err := h.engine.VerifyResetEmail(h.ctx(c), resetToken(c), req.Code); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Email verified."})
}

func (h *Handler) verifyResetTOTP(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	if err := h.engine.VerifyResetTOTP(h.ctx(c), resetToken(c), req.Code); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Verified."})
}

func (h *Handler) verifyResetRecoveryCode(c *gin.Context) {
	var req struct {
		RecoveryCode string `json:"recovery_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	next, err := h.engine.VerifyResetRecoveryCode(h.ctx(c), resetToken(c), req.RecoveryCode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":       "Verified.",
		"recovery_code": next,
	})
}

func (h *Handler) resetPassword(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	result, err := h.engine.ResetPassword(h.ctx(c), resetToken(c), req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.deleteResetCookie(c)
	h.setSessionCookie(c, result.Token)
	c.JSON(http.StatusOK, gin.H{"user": userView(result.User), "session": sessionView(result.Session)})
}
