package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leozw/voice-keypool/internal/api"
	"github.com/leozw/voice-keypool/internal/api/handlers"
	"github.com/leozw/voice-keypool/internal/app"
	"github.com/leozw/voice-keypool/internal/config"
	"github.com/leozw/voice-keypool/internal/orchestrator"
	"github.com/leozw/voice-keypool/internal/upstream"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := app.NewLogger(cfg.Server.Mode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()

	if cfg.Upstream.OpenAI.APIKey == "" {
		logger.Warn("OPENAI_API_KEY not set; speech generation will fail")
	}

	orch := orchestrator.New(a.Gate, a.Keys, a.Proxies,
		upstream.NewOpenAI(cfg.Upstream.OpenAI, logger),
		upstream.NewElevenLabs(cfg.Upstream.ElevenLabs, logger),
		a.Users,
		orchestrator.Options{
			Logger:   logger,
			Notifier: a.Notifier,
			Observer: a.Metrics,
		})

	passwordHash, err := handlers.HashAdminPassword(cfg.Server.AdminPassword)
	if err != nil {
		logger.Fatal("Failed to hash admin password", zap.Error(err))
	}
	if passwordHash == nil || cfg.Server.JWTSecret == "" {
		logger.Warn("ADMIN_PASSWORD or JWT_SECRET not set; admin routes disabled")
	}

	h := handlers.NewHandler(orch, a.Gate, a.Keys, a.Proxies, a.Users, handlers.Options{
		Admin: handlers.Admin{
			PasswordHash: passwordHash,
			JWTSecret:    cfg.Server.JWTSecret,
			TokenTTL:     cfg.Server.TokenTTL,
		},
		Gatherer:    a.Registry,
		ReadyChecks: a.ReadyChecks(),
		Logger:      logger,
	})
	server := api.NewServer(cfg.Server, cfg.Quota, h, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Scheduler.Embedded {
		go a.Scheduler().Start(ctx)
	}
	if rw := a.RemoteWriter(); rw.Enabled() {
		go rw.Start(ctx)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started",
		zap.String("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("scheduler", cfg.Scheduler.Embedded))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
