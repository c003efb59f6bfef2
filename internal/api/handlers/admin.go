package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leozw/voice-keypool/internal/core"
)

func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	keyStats, err := h.keys.Stats(ctx)
	if err != nil {
		h.writeError(c, "Failed to get key stats", err)
		return
	}
	proxyStats, err := h.proxies.Stats(ctx)
	if err != nil {
		h.writeError(c, "Failed to get proxy stats", err)
		return
	}
	userStats, err := h.accounts.Stats(ctx)
	if err != nil {
		h.writeError(c, "Failed to get user stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"key_stats":   keyStats,
		"proxy_stats": proxyStats,
		"user_stats":  userStats,
	})
}

func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.accounts.Users(c.Request.Context(), queryInt(c, "limit", 100, 1000))
	if err != nil {
		h.writeError(c, "Failed to list users", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": users})
}

func (h *Handler) ListCodes(c *gin.Context) {
	codes, err := h.accounts.Codes(c.Request.Context())
	if err != nil {
		h.writeError(c, "Failed to list codes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "codes": codes})
}

type GenerateCodesRequest struct {
	Count int       `json:"count"`
	Tier  core.Tier `json:"tier"`
}

func (h *Handler) GenerateCodes(c *gin.Context) {
	req := GenerateCodesRequest{Count: 1}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body")
		return
	}

	codes, err := h.accounts.GenerateCodes(c.Request.Context(), req.Count, req.Tier, "admin-dashboard")
	if err != nil {
		h.writeError(c, "Failed to generate codes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "codes": codes})
}

func (h *Handler) Logs(c *gin.Context) {
	logs, err := h.usage.RecentUsage(c.Request.Context(), queryInt(c, "limit", 50, 500))
	if err != nil {
		h.writeError(c, "Failed to list logs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": logs})
}
