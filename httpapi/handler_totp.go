package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/casavia/authcore"
)

func (h *Handler) beginTOTPSetup(c *gin.Context) {
	setup, err := h.engine.BeginTOTPSetup(h.ctx(c), sessionToken(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key": setup.EncodedKey,
		"uri": setup.ProvisionURI,
	})
}

func (h *Handler) setupTOTP(c *gin.Context) {
	var req struct {
		Key  string `json:"key"`
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	if err := h.engine.SetupTOTP(h.ctx(c), sessionToken(c), req.Key, req.Code); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Two-factor authentication enabled."})
}

func (h *Handler) verifyTOTP(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	if err := h.engine.VerifyTOTP(h.ctx(c), sessionToken(c), req.Code); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Verified."})
}

func (h *Handler) resetTOTP(c *gin.Context) {
	var req struct {
		RecoveryCode string `json:"recovery_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, authcore.ErrInvalidInput)
		return
	}

	next, err := h.engine.ResetTOTPWithRecoveryCode(h.ctx(c), sessionToken(c), req.RecoveryCode)
	if err != nil {
		h.fail(c, err)
		return
	}
	// The reset signed the account out everywhere, this device included.
	h.deleteSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{
		"message":       "Two-factor authentication reset.",
		"recovery_code": next,
	})
}

func (h *Handler) recoveryCode(c *gin.Context) {
	code, err := h.engine.RecoveryCode(h.ctx(c), sessionToken(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovery_code": code})
}

func (h *Handler) regenerateRecoveryCode(c *gin.Context) {
	code, err := h.engine.RegenerateRecoveryCode(h.ctx(c), sessionToken(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovery_code": code})
}
