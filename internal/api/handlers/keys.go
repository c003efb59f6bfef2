package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/keypool"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type PauseRequest struct {
	Reason string `json:"reason"`
}

func credentialViews(list []core.Credential) []core.CredentialView {
	return lo.Map(list, func(c core.Credential, _ int) core.CredentialView { return c.View() })
}

func (h *Handler) ListKeys(c *gin.Context) {
	list, err := h.keys.List(c.Request.Context())
	if err != nil {
		h.writeError(c, "Failed to list keys", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "keys": credentialViews(list)})
}

func (h *Handler) AddKey(c *gin.Context) {
	var req keypool.AddCredential
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body")
		return
	}

	key, err := h.keys.Add(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "Failed to add key", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "key": key.View()})
}

func (h *Handler) ExpiringKeys(c *gin.Context) {
	days := queryInt(c, "days", keypool.DefaultPromoWindow, 90)
	list, err := h.keys.ExpiringPromos(c.Request.Context(), days)
	if err != nil {
		h.writeError(c, "Failed to list expiring keys", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "days": days, "keys": credentialViews(list)})
}

func (h *Handler) PauseKey(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req PauseRequest
	_ = c.ShouldBindJSON(&req)

	key, err := h.keys.Pause(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.writeError(c, "Failed to pause key", err)
		return
	}
	h.logger.Info("Key paused by admin", zap.String("credential_id", id.String()))
	c.JSON(http.StatusOK, gin.H{"success": true, "key": key.View()})
}

func (h *Handler) ResumeKey(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	key, err := h.keys.Resume(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to resume key", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "key": key.View()})
}

func (h *Handler) ResetKeyHealth(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	key, err := h.keys.ResetHealth(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to reset key health", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "key": key.View()})
}

func (h *Handler) DeleteKey(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.keys.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, "Failed to delete key", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
