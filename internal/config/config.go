package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Pool      PoolConfig
	Proxy     ProxyConfig
	Upstream  UpstreamConfig
	Quota     QuotaConfig
	Notify    NotifyConfig
	Mimir     MimirConfig
	Scheduler SchedulerConfig
}

type ServerConfig struct {
	Port          string
	Mode          string
	AdminPassword string
	JWTSecret     string
	TokenTTL      time.Duration
	CORSOrigin    string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
	Migrate        bool
}

// StorageConfig selects the backing store. "postgres" for deployments,
// "memory" for local development without a database.
type StorageConfig struct {
	Driver string
}

type RedisConfig struct {
	URL string
}

type PoolConfig struct {
	CacheTTL           time.Duration
	StoreTimeout       time.Duration
	QuotaSweepInterval time.Duration
	PromoSweepInterval time.Duration
	StatsInterval      time.Duration
	PromoWindowDays    int
}

type ProxyConfig struct {
	ProbeInterval time.Duration
	Resolver      string
	Residential   ResidentialConfig
}

type ResidentialConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

type UpstreamConfig struct {
	OpenAI     OpenAIConfig
	ElevenLabs ElevenLabsConfig
}

type OpenAIConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	MaxTokens  int
}

type ElevenLabsConfig struct {
	URL     string
	ModelID string
	Timeout time.Duration
}

type QuotaConfig struct {
	FreeSpeeches          int
	AnonymousMonthlyLimit int
	MaxAccountsPerDevice  int
	RequestsPerSecond     float64
	Burst                 int
}

type NotifyConfig struct {
	DiscordWebhookURL string
}

// SchedulerConfig controls whether the API process also runs the
// maintenance sweeps. Disable it when cmd/scheduler runs separately.
type SchedulerConfig struct {
	Embedded bool
}

type MimirConfig struct {
	URL           string
	TenantHeader  string
	TenantID      string
	BatchSize     int
	FlushInterval time.Duration
	AuthToken     string
}

func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("VOICEPOOL")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("server.tokenttl", "24h")
	viper.SetDefault("server.corsorigin", "*")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("database.migrate", true)
	viper.SetDefault("storage.driver", "postgres")
	viper.SetDefault("pool.cachettl", "60s")
	viper.SetDefault("pool.storetimeout", "3s")
	viper.SetDefault("pool.quotasweepinterval", "1h")
	viper.SetDefault("pool.promosweepinterval", "24h")
	viper.SetDefault("pool.statsinterval", "30s")
	viper.SetDefault("pool.promowindowdays", 7)
	viper.SetDefault("proxy.probeinterval", "5m")
	viper.SetDefault("proxy.resolver", "1.1.1.1:53")
	viper.SetDefault("proxy.residential.host", "pr.oxylabs.io")
	viper.SetDefault("proxy.residential.port", 7777)
	viper.SetDefault("upstream.openai.url", "https://api.openai.com/v1/chat/completions")
	viper.SetDefault("upstream.openai.timeout", "30s")
	viper.SetDefault("upstream.openai.maxretries", 2)
	viper.SetDefault("upstream.openai.maxtokens", 200)
	viper.SetDefault("upstream.elevenlabs.url", "https://api.elevenlabs.io/v1")
	viper.SetDefault("upstream.elevenlabs.modelid", "eleven_turbo_v2_5")
	viper.SetDefault("upstream.elevenlabs.timeout", "60s")
	viper.SetDefault("quota.freespeeches", 10)
	viper.SetDefault("quota.anonymousmonthlylimit", 10)
	viper.SetDefault("quota.maxaccountsperdevice", 3)
	viper.SetDefault("quota.requestspersecond", 1.0)
	viper.SetDefault("quota.burst", 5)
	viper.SetDefault("mimir.tenantheader", "X-Scope-OrgID")
	viper.SetDefault("mimir.tenantid", "voice-keypool")
	viper.SetDefault("mimir.batchsize", 1000)
	viper.SetDefault("mimir.flushinterval", "15s")
	viper.SetDefault("scheduler.embedded", true)

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if pw := os.Getenv("ADMIN_PASSWORD"); pw != "" {
		cfg.Server.AdminPassword = pw
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Upstream.OpenAI.APIKey = key
	}
	if url := os.Getenv("DISCORD_WEBHOOK_URL"); url != "" {
		cfg.Notify.DiscordWebhookURL = url
	}
	if user := os.Getenv("OXYLABS_USERNAME"); user != "" {
		cfg.Proxy.Residential.Username = user
	}
	if pw := os.Getenv("OXYLABS_PASSWORD"); pw != "" {
		cfg.Proxy.Residential.Password = pw
	}
	if url := os.Getenv("MIMIR_URL"); url != "" {
		cfg.Mimir.URL = url
	}
	if token := os.Getenv("MIMIR_AUTH_TOKEN"); token != "" {
		cfg.Mimir.AuthToken = token
	}

	return &cfg, nil
}
