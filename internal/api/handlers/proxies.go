package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/proxypool"
	"github.com/samber/lo"
)

func (h *Handler) ListProxies(c *gin.Context) {
	list, err := h.proxies.List(c.Request.Context())
	if err != nil {
		h.writeError(c, "Failed to list proxies", err)
		return
	}
	views := lo.Map(list, func(p core.Proxy, _ int) core.ProxyView { return p.View() })
	c.JSON(http.StatusOK, gin.H{"success": true, "proxies": views})
}

func (h *Handler) AddProxy(c *gin.Context) {
	var req proxypool.AddProxy
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body")
		return
	}

	p, err := h.proxies.Add(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "Failed to add proxy", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "proxy": p.View()})
}

func (h *Handler) PauseProxy(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req PauseRequest
	_ = c.ShouldBindJSON(&req)

	p, err := h.proxies.Pause(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.writeError(c, "Failed to pause proxy", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "proxy": p.View()})
}

func (h *Handler) ResumeProxy(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	p, err := h.proxies.Resume(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to resume proxy", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "proxy": p.View()})
}

func (h *Handler) ResetProxyHealth(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	p, err := h.proxies.ResetHealth(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to reset proxy health", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "proxy": p.View()})
}

func (h *Handler) DeleteProxy(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.proxies.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, "Failed to delete proxy", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
