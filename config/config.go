// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for the credit engine.
type Config struct {
	AppEnv             string        `envconfig:"APP_ENV" default:"development"`
	AppAddr            string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout     time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout    time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppIdleTimeout     time.Duration `envconfig:"APP_IDLE_TIMEOUT" default:"60s"`
	AppShutdownTimeout time.Duration `envconfig:"APP_SHUTDOWN_TIMEOUT" default:"10s"`

	DBPath string `envconfig:"DB_PATH" default:"credit.db"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// RedisAddr empty means in-process customer locks.
	RedisAddr string        `envconfig:"REDIS_ADDR"`
	LockTTL   time.Duration `envconfig:"LOCK_TTL" default:"10s"`
	LockWait  time.Duration `envconfig:"LOCK_WAIT" default:"5s"`

	NameFallbackEnabled bool `envconfig:"NAME_FALLBACK_ENABLED" default:"true"`
	LegacyAdjustEnabled bool `envconfig:"LEGACY_ADJUST_ENABLED" default:"false"`

	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"300"`
	AlertQueueCapacity int      `envconfig:"ALERT_QUEUE_CAPACITY" default:"256"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"APP_READ_TIMEOUT":     c.AppReadTimeout,
		"APP_WRITE_TIMEOUT":    c.AppWriteTimeout,
		"APP_IDLE_TIMEOUT":     c.AppIdleTimeout,
		"APP_SHUTDOWN_TIMEOUT": c.AppShutdownTimeout,
		"LOCK_TTL":             c.LockTTL,
		"LOCK_WAIT":            c.LockWait,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.RateLimitPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimitPerMinute))
	}
	if c.AlertQueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("ALERT_QUEUE_CAPACITY must be positive, got %d", c.AlertQueueCapacity))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("DB_PATH must be set"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
