package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"

	LockerLocal = "local"
	LockerRedis = "redis"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	// Server
	Port     int    `mapstructure:"PORT"`
	GRPCPort int    `mapstructure:"GRPC_PORT"`
	Env      string `mapstructure:"APP_ENV"` // development | production
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Ledger store
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	MySQLDSN    string `mapstructure:"MYSQL_DSN"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// Item locking
	Locker      string        `mapstructure:"LOCKER"`
	RedisURL    string        `mapstructure:"REDIS_URL"`
	LockTTL     time.Duration `mapstructure:"LOCK_TTL"`
	LockTimeout time.Duration `mapstructure:"LOCK_TIMEOUT"`

	// Conflict retry
	RetryMaxAttempts     int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInitialInterval time.Duration `mapstructure:"RETRY_INITIAL_INTERVAL"`
	RetryMaxInterval     time.Duration `mapstructure:"RETRY_MAX_INTERVAL"`

	// Events
	KafkaBrokers   string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string `mapstructure:"KAFKA_TOPIC"`
	EventWorkers   int    `mapstructure:"EVENT_WORKERS"`
	EventQueueSize int    `mapstructure:"EVENT_QUEUE_SIZE"`

	// Observability
	OtelEndpoint   string `mapstructure:"OTEL_ENDPOINT"`
	OtelAuthHeader string `mapstructure:"OTEL_AUTH_HEADER"`

	// HTTP rate limit in ulule/limiter notation, e.g. 1000-M
	RateLimit string `mapstructure:"RATE_LIMIT"`
}

// Load reads configuration from environment variables (and optional .env file).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	setDefaults(v)

	// Optional .env file for local development
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("GRPC_PORT", 50051)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverMemory)
	v.SetDefault("MYSQL_DSN", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("LOCKER", LockerLocal)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("LOCK_TTL", 10*time.Second)
	v.SetDefault("LOCK_TIMEOUT", 2*time.Second)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("RETRY_INITIAL_INTERVAL", 20*time.Millisecond)
	v.SetDefault("RETRY_MAX_INTERVAL", 500*time.Millisecond)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "stock-ledger.events")
	v.SetDefault("EVENT_WORKERS", 4)
	v.SetDefault("EVENT_QUEUE_SIZE", 1024)
	v.SetDefault("OTEL_ENDPOINT", "")
	v.SetDefault("OTEL_AUTH_HEADER", "")
	v.SetDefault("RATE_LIMIT", "1000-M")
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverMemory:
	case DriverMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN is required for STORE_DRIVER=mysql"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for STORE_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.Locker {
	case LockerLocal:
	case LockerRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for LOCKER=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LOCKER %q", c.Locker))
	}

	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.EventWorkers < 1 || c.EventQueueSize < 1 {
		errs = append(errs, errors.New("EVENT_WORKERS and EVENT_QUEUE_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
