// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/worthit-bot/worthit/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"dev"`
	APIHost string `env:"API_HOST"`
	Port    int    `env:"PORT" envDefault:"8080"`

	RedisURL string `env:"REDIS_URL"`
	RedisSSL bool   `env:"REDIS_SSL" envDefault:"false"`
	// RedisCloud switches store command timeouts to the cloud-hosted budget (30s).
	RedisCloud bool `env:"REDIS_CLOUD" envDefault:"false"`

	TelegramToken string `env:"TELEGRAM_TOKEN"`
	ApifyToken    string `env:"APIFY_TOKEN"`
	HFToken       string `env:"HF_TOKEN"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:"*"`

	// IntegritySecret keys the tamper tags on persisted task records.
	// Falls back to TELEGRAM_TOKEN when unset.
	IntegritySecret string `env:"INTEGRITY_SECRET"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"worthit"`

	QueueName       string        `env:"QUEUE_NAME" envDefault:"worthit_tasks"`
	DequeueTimeout  time.Duration `env:"DEQUEUE_TIMEOUT" envDefault:"5s"`
	TaskMaxRetries  int           `env:"TASK_MAX_RETRIES" envDefault:"3"`
	TaskRetention   time.Duration `env:"TASK_RETENTION" envDefault:"168h"`
	WorkerSlots     int           `env:"WORKER_SLOTS" envDefault:"4"`
	StuckTaskMaxAge time.Duration `env:"STUCK_TASK_MAX_AGE" envDefault:"10m"`

	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	PoolRecycleInterval time.Duration `env:"POOL_RECYCLE_INTERVAL" envDefault:"5m"`

	UpstreamTimeout        time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
	UpstreamConnectTimeout time.Duration `env:"UPSTREAM_CONNECT_TIMEOUT" envDefault:"10s"`
	RetryInitialDelay      time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay          time.Duration `env:"RETRY_MAX_DELAY" envDefault:"10s"`

	CacheBaseTTL     time.Duration `env:"CACHE_BASE_TTL" envDefault:"300s"`
	CacheMaxTTL      time.Duration `env:"CACHE_MAX_TTL" envDefault:"3600s"`
	CacheCompressMin int           `env:"CACHE_COMPRESS_MIN" envDefault:"1024"`
	CacheMaxBytes    int64         `env:"CACHE_MAX_BYTES" envDefault:"104857600"`
	CacheWarmup      time.Duration `env:"CACHE_WARMUP_INTERVAL" envDefault:"60s"`

	MeshServicesFile string `env:"MESH_SERVICES_FILE"`

	MaxBodyBytes          int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.IntegritySecret == "" {
		cfg.IntegritySecret = cfg.TelegramToken
	}
	return cfg, nil
}

// Validate rejects startup when a required variable is missing. The gateway
// additionally needs API_HOST and ALLOWED_ORIGIN; pass gateway=false for the
// worker process.
func (c Config) Validate(gateway bool) error {
	missing := make([]string, 0, 4)
	if c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.TelegramToken == "" {
		missing = append(missing, "TELEGRAM_TOKEN")
	}
	if c.ApifyToken == "" {
		missing = append(missing, "APIFY_TOKEN")
	}
	if c.HFToken == "" {
		missing = append(missing, "HF_TOKEN")
	}
	if gateway {
		if c.APIHost == "" {
			missing = append(missing, "API_HOST")
		}
		if c.AllowedOrigin == "" {
			missing = append(missing, "ALLOWED_ORIGIN")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}

// CommandTimeout returns the per-command store budget.
func (c Config) CommandTimeout() time.Duration {
	if c.RedisCloud {
		return 30 * time.Second
	}
	return 15 * time.Second
}

// HighQueueName is the list key for the high-priority class.
func (c Config) HighQueueName() string { return c.QueueName + "_high" }

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
