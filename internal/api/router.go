package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leozw/voice-keypool/internal/api/handlers"
	"github.com/leozw/voice-keypool/internal/api/middleware"
	"github.com/leozw/voice-keypool/internal/config"
	"go.uber.org/zap"
)

type Server struct {
	Config  config.ServerConfig
	Router  *gin.Engine
	Handler *handlers.Handler
	Limiter *middleware.IPLimiter
}

func NewServer(cfg config.ServerConfig, quota config.QuotaConfig, h *handlers.Handler, logger *zap.Logger) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.CORSOrigin))

	server := &Server{
		Config:  cfg,
		Router:  router,
		Handler: h,
		Limiter: middleware.NewIPLimiter(quota.RequestsPerSecond, quota.Burst),
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	h := s.Handler

	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	s.Router.GET("/metrics", h.Metrics())

	limited := middleware.RateLimit(s.Limiter)

	auth := s.Router.Group("/api/auth", limited)
	{
		auth.POST("/register", h.Register)
		auth.POST("/redeem-code", h.RedeemCode)
	}
	s.Router.GET("/api/user/status", h.UserStatus)
	s.Router.POST("/api/speech/generate", limited, h.GenerateSpeech)

	s.Router.POST("/api/admin/login", limited, h.AdminLogin)
	s.Router.POST("/api/admin/logout", h.AdminLogout)
	s.Router.GET("/api/admin/check-auth", h.AdminCheckAuth)

	admin := s.Router.Group("/api/admin")
	admin.Use(middleware.AdminRequired(s.Config.JWTSecret))
	{
		admin.GET("/stats", h.Stats)

		admin.GET("/keys", h.ListKeys)
		admin.POST("/keys", h.AddKey)
		admin.GET("/keys/expiring", h.ExpiringKeys)
		admin.POST("/keys/:id/pause", h.PauseKey)
		admin.POST("/keys/:id/resume", h.ResumeKey)
		admin.POST("/keys/:id/reset-health", h.ResetKeyHealth)
		admin.DELETE("/keys/:id", h.DeleteKey)

		admin.GET("/proxies", h.ListProxies)
		admin.POST("/proxies", h.AddProxy)
		admin.POST("/proxies/:id/pause", h.PauseProxy)
		admin.POST("/proxies/:id/resume", h.ResumeProxy)
		admin.POST("/proxies/:id/reset-health", h.ResetProxyHealth)
		admin.DELETE("/proxies/:id", h.DeleteProxy)

		admin.GET("/users", h.ListUsers)
		admin.GET("/codes", h.ListCodes)
		admin.POST("/codes/generate", h.GenerateCodes)
		admin.GET("/logs", h.Logs)
	}

	s.Router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Endpoint not found"})
	})
}
