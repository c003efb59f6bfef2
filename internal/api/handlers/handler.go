// Package handlers serves the public speech API and the admin dashboard
// API on top of the pool managers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/keypool"
	"github.com/leozw/voice-keypool/internal/orchestrator"
	"github.com/leozw/voice-keypool/internal/pool"
	"github.com/leozw/voice-keypool/internal/proxypool"
	"github.com/leozw/voice-keypool/internal/quota"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Speech interface {
	Generate(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

type Accounts interface {
	Register(ctx context.Context, hardwareID string) (core.User, error)
	RedeemCode(ctx context.Context, userKey, code string) (core.User, error)
	Status(ctx context.Context, userKey string) (quota.Status, error)
	GenerateCodes(ctx context.Context, count int, tier core.Tier, createdBy string) ([]core.SupporterCode, error)
	Users(ctx context.Context, limit int) ([]core.User, error)
	Codes(ctx context.Context) ([]core.SupporterCode, error)
	Stats(ctx context.Context) (core.UserStats, error)
}

type Keys interface {
	List(ctx context.Context) ([]core.Credential, error)
	Add(ctx context.Context, req keypool.AddCredential) (core.Credential, error)
	Pause(ctx context.Context, id uuid.UUID, reason string) (core.Credential, error)
	Resume(ctx context.Context, id uuid.UUID) (core.Credential, error)
	ResetHealth(ctx context.Context, id uuid.UUID) (core.Credential, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (core.PoolStats, error)
	ExpiringPromos(ctx context.Context, windowDays int) ([]core.Credential, error)
}

type Proxies interface {
	List(ctx context.Context) ([]core.Proxy, error)
	Add(ctx context.Context, req proxypool.AddProxy) (core.Proxy, error)
	Pause(ctx context.Context, id uuid.UUID, reason string) (core.Proxy, error)
	Resume(ctx context.Context, id uuid.UUID) (core.Proxy, error)
	ResetHealth(ctx context.Context, id uuid.UUID) (core.Proxy, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (core.PoolStats, error)
}

type UsageLogs interface {
	RecentUsage(ctx context.Context, limit int) ([]core.UsageLog, error)
}

type Options struct {
	Admin       Admin
	Gatherer    prometheus.Gatherer
	ReadyChecks map[string]func(context.Context) error
	Logger      *zap.Logger
	Now         func() time.Time
}

type Handler struct {
	speech   Speech
	accounts Accounts
	keys     Keys
	proxies  Proxies
	usage    UsageLogs
	admin    Admin
	gatherer prometheus.Gatherer
	checks   map[string]func(context.Context) error
	logger   *zap.Logger
	now      func() time.Time
}

func NewHandler(speech Speech, accounts Accounts, keys Keys, proxies Proxies, usage UsageLogs, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		speech:   speech,
		accounts: accounts,
		keys:     keys,
		proxies:  proxies,
		usage:    usage,
		admin:    opts.Admin,
		gatherer: opts.Gatherer,
		checks:   opts.ReadyChecks,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, quota.ErrUnknownUser):
		return http.StatusUnauthorized
	case errors.Is(err, quota.ErrAllowanceExhausted), errors.Is(err, quota.ErrDeviceLimit):
		return http.StatusForbidden
	case errors.Is(err, quota.ErrAnonymousLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, pool.ErrExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, pool.ErrNotFound), errors.Is(err, quota.ErrInvalidCode):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrDuplicate), errors.Is(err, quota.ErrCodeUsed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// publicMessage keeps store and driver details out of responses.
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusInternalServerError:
		return "Internal server error"
	case http.StatusServiceUnavailable:
		return "Service temporarily unavailable. No healthy API keys in pool."
	case http.StatusBadGateway:
		return "Upstream provider failed"
	}
	return err.Error()
}

func (h *Handler) writeError(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err), zap.Int("status", status))
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"success": false, "error": publicMessage(status, err)})
}

func (h *Handler) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid ID"})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def, max int) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
