// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"
	SiteURL   string // Public base URL used in gateway redirect links

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow policy
	FeeRate         decimal.Decimal // Escrow fee rate, e.g. 0.025 for 2.5%
	AutoReleaseDays int             // Days after delivery before funds auto-release

	// Payment gateway
	GatewayBaseURL   string
	GatewaySecretKey string
	WebhookSecret    string // Shared secret for the gateway's verif-hash header

	// Notifications
	NotifyHookURL string // Optional HTTP endpoint for notification delivery
	NotifySecret  string // HMAC secret for signing notification payloads

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for tracing (optional)
}

// Canonical defaults. The fee rate and auto-release window are policy
// values: a single rate applies for the life of a transaction.
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultFeeRate        = "0.025"
	DefaultAutoRelease    = 7
	DefaultGatewayBaseURL = "https://api.flutterwave.com/v3"
	DefaultSiteURL        = "http://localhost:8080"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	feeRate, err := decimal.NewFromString(getEnv("ESCROW_FEE_RATE", DefaultFeeRate))
	if err != nil {
		return nil, fmt.Errorf("ESCROW_FEE_RATE is not a valid decimal: %w", err)
	}

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		SiteURL:          getEnv("SITE_URL", DefaultSiteURL),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FeeRate:          feeRate,
		AutoReleaseDays:  int(getEnvInt64("AUTO_RELEASE_DAYS", DefaultAutoRelease)),
		GatewayBaseURL:   getEnv("GATEWAY_BASE_URL", DefaultGatewayBaseURL),
		GatewaySecretKey: os.Getenv("GATEWAY_SECRET_KEY"), // Required, no default
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		NotifyHookURL:    os.Getenv("NOTIFY_HOOK_URL"),
		NotifySecret:     os.Getenv("NOTIFY_SECRET"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GatewaySecretKey == "" {
		return fmt.Errorf("GATEWAY_SECRET_KEY is required")
	}

	if c.FeeRate.Sign() < 0 || c.FeeRate.Cmp(decimal.NewFromInt(1)) >= 0 {
		return fmt.Errorf("ESCROW_FEE_RATE must be in [0, 1), got %s", c.FeeRate)
	}

	if c.AutoReleaseDays <= 0 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must be positive, got %d", c.AutoReleaseDays)
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
