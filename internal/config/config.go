// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Durable store. Empty uses in-memory stores (development only).
	DatabaseURL  string        `env:"DATABASE_URL"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`

	// Shared expiring key-value store for challenges, OTPs and rate-limit
	// counters. Empty falls back to process-local stores.
	RedisURL string `env:"REDIS_URL"`

	// Security notifications
	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaNotifyTopic string   `env:"KAFKA_NOTIFY_TOPIC" envDefault:"security-notifications"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Admin API secret (block/unblock, revoke, batch recompute)
	AdminSecret string `env:"ADMIN_SECRET"`

	// One-time codes
	OTPTTL        time.Duration `env:"OTP_TTL" envDefault:"10m"`
	OTPRateLimit  int           `env:"OTP_RATE_LIMIT" envDefault:"5"`
	OTPRateWindow time.Duration `env:"OTP_RATE_WINDOW" envDefault:"15m"`

	// Peer concern reports
	ReportRateLimit  int           `env:"REPORT_RATE_LIMIT" envDefault:"10"`
	ReportRateWindow time.Duration `env:"REPORT_RATE_WINDOW" envDefault:"24h"`

	// Per-IP API limit
	APIRateLimit  int           `env:"API_RATE_LIMIT" envDefault:"120"`
	APIRateWindow time.Duration `env:"API_RATE_WINDOW" envDefault:"1m"`

	// WebAuthn relying party
	WebAuthnRPID      string   `env:"WEBAUTHN_RP_ID" envDefault:"localhost"`
	WebAuthnRPName    string   `env:"WEBAUTHN_RP_NAME" envDefault:"Trustgate"`
	WebAuthnRPOrigins []string `env:"WEBAUTHN_RP_ORIGINS" envSeparator:"," envDefault:"https://localhost:8080"`
}

// Defaults shared with tests and commands.
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
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

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.OTPTTL <= 0 {
		return fmt.Errorf("OTP_TTL must be positive")
	}
	if c.OTPRateLimit <= 0 || c.OTPRateWindow <= 0 {
		return fmt.Errorf("OTP_RATE_LIMIT and OTP_RATE_WINDOW must be positive")
	}
	if c.ReportRateLimit <= 0 || c.ReportRateWindow <= 0 {
		return fmt.Errorf("REPORT_RATE_LIMIT and REPORT_RATE_WINDOW must be positive")
	}
	if c.APIRateLimit <= 0 || c.APIRateWindow <= 0 {
		return fmt.Errorf("API_RATE_LIMIT and API_RATE_WINDOW must be positive")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production (challenges and rate limits must be shared across instances)")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
