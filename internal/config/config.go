// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Durable usage store (Redis)
	RedisHost           string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort           int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisDB             int           `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix      string        `env:"REDIS_KEY_PREFIX" envDefault:"llmbudget"`
	RedisConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"2s"`
	RedisOpTimeout      time.Duration `env:"REDIS_OP_TIMEOUT" envDefault:"500ms"`
	// UsageTTL is the expiry applied to every persisted usage record so that
	// stale records self-purge if never touched again.
	UsageTTL time.Duration `env:"USAGE_TTL" envDefault:"24h"`

	// ResetTimezone is the reference zone for the daily (RPD) window.
	ResetTimezone string `env:"RESET_TIMEZONE" envDefault:"America/Los_Angeles"`

	// Headroom status thresholds as fractions of remaining budget.
	HeadroomOKThreshold  float64 `env:"HEADROOM_OK_THRESHOLD" envDefault:"0.5"`
	HeadroomLowThreshold float64 `env:"HEADROOM_LOW_THRESHOLD" envDefault:"0.2"`

	// ModelLimitsFile optionally points at a YAML file overriding the
	// compiled-in model catalog (limits, hierarchy, default model).
	ModelLimitsFile string `env:"MODEL_LIMITS_FILE"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"llm-budget-manager"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
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
	if cfg.HeadroomLowThreshold >= cfg.HeadroomOKThreshold {
		return Config{}, fmt.Errorf("op=config.Load: low threshold %v must be below ok threshold %v",
			cfg.HeadroomLowThreshold, cfg.HeadroomOKThreshold)
	}
	return cfg, nil
}

// RedisAddr returns the host:port address of the durable store.
func (c Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

// ResetLocation loads the configured reference timezone.
func (c Config) ResetLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ResetTimezone)
	if err != nil {
		return nil, fmt.Errorf("op=config.ResetLocation zone=%s: %w", c.ResetTimezone, err)
	}
	return loc, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
