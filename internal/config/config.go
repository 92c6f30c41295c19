// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the access layer.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"dev"`

	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisAddr   string `env:"REDIS_ADDR"` // optional; in-memory revocation store when empty

	JWTSecret    string `env:"JWT_SECRET,required"`
	JWTAlgorithm string `env:"JWT_ALGORITHM" envDefault:"HS256"`
	// Token lifetimes are plain integer minutes, matching the variable names
	// and the values existing deployments already carry.
	AccessTokenExpireMinutes  int           `env:"ACCESS_TOKEN_EXPIRE_MINUTES" envDefault:"30"`
	RefreshTokenExpireMinutes int           `env:"REFRESH_TOKEN_EXPIRE_MINUTES" envDefault:"10080"`
	ClockSkew                 time.Duration `env:"CLOCK_SKEW" envDefault:"0s"`

	RunMigrationsOnStartup bool          `env:"RUN_MIGRATIONS_ON_STARTUP" envDefault:"true"`
	MigrationLease         time.Duration `env:"MIGRATION_LEASE" envDefault:"60s"`
	MigrationPollInterval  time.Duration `env:"MIGRATION_POLL_INTERVAL" envDefault:"500ms"`

	SendQueueDepth int           `env:"WS_SEND_QUEUE_DEPTH" envDefault:"32"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`

	RateLimitPerSecond int `env:"RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst     int `env:"RATE_LIMIT_BURST" envDefault:"100"`

	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000,http://localhost:5173"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from environment variables, consulting a local
// .env file first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints not expressible as env tags.
func (c *Config) Validate() error {
	switch c.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported JWT algorithm %q (only HMAC variants are accepted)", c.JWTAlgorithm)
	}
	if c.AccessTokenExpireMinutes < 1 {
		return fmt.Errorf("ACCESS_TOKEN_EXPIRE_MINUTES must be at least 1")
	}
	if c.RefreshTokenExpireMinutes < 1 {
		return fmt.Errorf("REFRESH_TOKEN_EXPIRE_MINUTES must be at least 1")
	}
	if c.SendQueueDepth < 1 {
		return fmt.Errorf("WS_SEND_QUEUE_DEPTH must be at least 1")
	}
	if c.MigrationLease <= 0 {
		return fmt.Errorf("MIGRATION_LEASE must be positive")
	}
	return nil
}

// AccessTokenTTL returns the access token lifetime.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}

// RefreshTokenTTL returns the refresh token lifetime.
func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenExpireMinutes) * time.Minute
}

// AllowedOrigins returns the parsed CORS origin list.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
