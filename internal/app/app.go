// Package app wires the stores, pools and background jobs shared by the
// process entry points.
package app

import (
	"context"
	"fmt"

	"github.com/leozw/voice-keypool/internal/config"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/keypool"
	"github.com/leozw/voice-keypool/internal/metrics"
	"github.com/leozw/voice-keypool/internal/notify"
	"github.com/leozw/voice-keypool/internal/proxypool"
	"github.com/leozw/voice-keypool/internal/quota"
	"github.com/leozw/voice-keypool/internal/scheduler"
	"github.com/leozw/voice-keypool/internal/storage/memory"
	"github.com/leozw/voice-keypool/internal/storage/postgres"
	"github.com/leozw/voice-keypool/internal/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// UserStore is the caller-side store: accounts, codes and usage logs.
type UserStore interface {
	quota.UserStore
	InsertUsage(ctx context.Context, l core.UsageLog) error
	RecentUsage(ctx context.Context, limit int) ([]core.UsageLog, error)
}

type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Collector
	Notifier notify.Notifier

	DB    *postgres.DB
	Redis *redis.Client
	Users UserStore

	Keys    *keypool.Manager
	Proxies *proxypool.Manager
	Prober  *proxypool.Prober
	Gate    *quota.Gate
}

// NewLogger returns a development logger in debug mode and a production
// logger otherwise.
func NewLogger(mode string) (*zap.Logger, error) {
	if mode == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// New opens the configured stores and builds the pool managers.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Notifier: notify.Nop{},
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewCollector(a.Registry)

	if cfg.Notify.DiscordWebhookURL != "" {
		a.Notifier = notify.NewDiscord(cfg.Notify.DiscordWebhookURL, logger)
	}

	var (
		creds   keypool.Store
		proxies proxypool.Store
	)
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("Using in-memory storage; state is lost on restart")
		creds = memory.NewCredentialStore(nil)
		proxies = memory.NewProxyStore(nil)
		a.Users = memory.NewUserStore(nil)
	case "postgres", "":
		db, err := postgres.NewConnection(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if cfg.Database.Migrate {
			if err := db.Migrate(logger); err != nil {
				db.Close()
				return nil, err
			}
		}
		a.DB = db
		creds = postgres.NewCredentialStore(db)
		proxies = postgres.NewProxyStore(db)
		a.Users = postgres.NewUserStore(db)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	var anon quota.AnonymousCounter = memory.NewAnonymousCounter()
	if cfg.Redis.URL != "" {
		a.Redis = redis.NewClient(cfg.Redis.URL)
		anon = redis.NewAnonymousCounter(a.Redis)
	} else {
		logger.Warn("REDIS_URL not set; anonymous limits are per process")
	}

	a.Keys = keypool.NewManager(creds, keypool.Options{
		CacheTTL:     cfg.Pool.CacheTTL,
		StoreTimeout: cfg.Pool.StoreTimeout,
		Logger:       logger,
		Observer:     a.Metrics,
	})
	a.Proxies = proxypool.NewManager(proxies, proxypool.Options{
		CacheTTL:     cfg.Pool.CacheTTL,
		StoreTimeout: cfg.Pool.StoreTimeout,
		Logger:       logger,
		Observer:     a.Metrics,
		Residential: proxypool.Residential{
			Host:     cfg.Proxy.Residential.Host,
			Port:     cfg.Proxy.Residential.Port,
			Username: cfg.Proxy.Residential.Username,
			Password: cfg.Proxy.Residential.Password,
		},
	})
	a.Prober = proxypool.NewProber(a.Proxies, cfg.Proxy.Resolver, logger)
	a.Gate = quota.NewGate(a.Users, anon, quota.Config{
		FreeSpeeches:          cfg.Quota.FreeSpeeches,
		AnonymousMonthlyLimit: cfg.Quota.AnonymousMonthlyLimit,
		MaxAccountsPerDevice:  cfg.Quota.MaxAccountsPerDevice,
	}, logger)

	return a, nil
}

// Scheduler returns a scheduler loaded with every maintenance job.
func (a *App) Scheduler() *scheduler.Scheduler {
	pc := a.Config.Pool
	s := scheduler.NewScheduler(a.Metrics, a.Logger)
	s.Add(scheduler.QuotaResetJob(a.Keys, pc.QuotaSweepInterval))
	s.Add(scheduler.PromoExpiryJob(a.Keys, a.Notifier, pc.PromoWindowDays, pc.PromoSweepInterval))
	s.Add(scheduler.PoolStatsJob(a.Keys, a.Proxies, a.Gate, a.Metrics, pc.StatsInterval))
	s.Add(scheduler.ProxyProbeJob(a.Prober, a.Config.Proxy.ProbeInterval))
	return s
}

// RemoteWriter returns the metrics exporter; it is a no-op when no
// endpoint is configured.
func (a *App) RemoteWriter() *metrics.RemoteWriter {
	return metrics.NewRemoteWriter(a.Config.Mimir, a.Registry, a.Logger)
}

// ReadyChecks lists the dependencies that must answer before traffic is
// accepted.
func (a *App) ReadyChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if a.DB != nil {
		checks["database"] = a.DB.PingContext
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return checks
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
