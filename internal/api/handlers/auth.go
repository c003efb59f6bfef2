package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leozw/voice-keypool/internal/api/middleware"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Admin holds the dashboard credentials. PasswordHash is a bcrypt hash;
// an empty hash disables login.
type Admin struct {
	PasswordHash []byte
	JWTSecret    string
	TokenTTL     time.Duration
}

// HashAdminPassword accepts either a bcrypt hash or a plain password and
// returns a bcrypt hash.
func HashAdminPassword(password string) ([]byte, error) {
	if password == "" {
		return nil, nil
	}
	if strings.HasPrefix(password, "$2") {
		if _, err := bcrypt.Cost([]byte(password)); err == nil {
			return []byte(password), nil
		}
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

func (h *Handler) AdminLogin(c *gin.Context) {
	if len(h.admin.PasswordHash) == 0 || h.admin.JWTSecret == "" {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Admin login is not configured. Set ADMIN_PASSWORD and JWT_SECRET.",
		})
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Missing password")
		return
	}

	if err := bcrypt.CompareHashAndPassword(h.admin.PasswordHash, []byte(req.Password)); err != nil {
		h.logger.Warn("Admin login rejected", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid password"})
		return
	}

	ttl := h.admin.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token, expires, err := middleware.IssueAdminToken(h.admin.JWTSecret, ttl, h.now())
	if err != nil {
		h.logger.Error("Failed to sign admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to generate token"})
		return
	}

	h.logger.Info("Admin logged in", zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"token":      token,
		"expires_at": expires,
	})
}

// AdminLogout exists for dashboard compatibility; tokens are stateless and
// the client discards its copy.
func (h *Handler) AdminLogout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) AdminCheckAuth(c *gin.Context) {
	ok := h.admin.JWTSecret != "" &&
		middleware.VerifyAdminToken(h.admin.JWTSecret, c.GetHeader("Authorization")) == nil
	c.JSON(http.StatusOK, gin.H{"isAuthenticated": ok})
}

type RegisterRequest struct {
	HardwareID string `json:"hardware_id"`
}

func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body")
		return
	}

	user, err := h.accounts.Register(c.Request.Context(), req.HardwareID)
	if err != nil {
		h.writeError(c, "Registration failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":                 true,
		"user_key":                user.UserKey,
		"tier":                    user.Tier,
		"free_speeches_remaining": user.FreeSpeechesRemaining,
	})
}

type RedeemRequest struct {
	UserKey string `json:"user_key"`
	Code    string `json:"code"`
}

func (h *Handler) RedeemCode(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserKey == "" || req.Code == "" {
		h.badRequest(c, "Missing user_key or code")
		return
	}

	user, err := h.accounts.RedeemCode(c.Request.Context(), req.UserKey, req.Code)
	if err != nil {
		h.writeError(c, "Code redemption failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":                 true,
		"tier":                    user.Tier,
		"free_speeches_remaining": user.FreeSpeechesRemaining,
	})
}

func (h *Handler) UserStatus(c *gin.Context) {
	userKey := c.Query("user_key")
	if userKey == "" {
		h.badRequest(c, "Missing user_key")
		return
	}

	status, err := h.accounts.Status(c.Request.Context(), userKey)
	if err != nil {
		h.writeError(c, "Status lookup failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":                  true,
		"user_key":                 status.UserKey,
		"tier":                     status.Tier,
		"speeches_remaining":       status.SpeechesRemaining,
		"total_speeches_generated": status.TotalSpeechesGenerated,
		"unlimited":                status.Unlimited,
		"created_at":               status.CreatedAt,
	})
}
