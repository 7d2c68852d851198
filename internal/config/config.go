// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Crypto deposit gateway
	CryptoPayToken   string
	CryptoPayBaseURL string

	// Exchange payouts
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceBaseURL   string

	// NGN bank gateway
	PaystackSecretKey string
	PaystackBaseURL   string

	// On-chain deposit watcher
	RPCURL         string
	TokenContract  string
	DepositAddress string

	// Security
	WebhookSecret string
	RateLimitRPS  int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		CryptoPayToken:    os.Getenv("CRYPTOPAY_TOKEN"),
		CryptoPayBaseURL:  os.Getenv("CRYPTOPAY_BASE_URL"),
		BinanceAPIKey:     os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:  os.Getenv("BINANCE_API_SECRET"),
		BinanceBaseURL:    os.Getenv("BINANCE_BASE_URL"),
		PaystackSecretKey: os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:   os.Getenv("PAYSTACK_BASE_URL"),
		RPCURL:            os.Getenv("RPC_URL"),
		TokenContract:     os.Getenv("TOKEN_CONTRACT"),
		DepositAddress:    os.Getenv("DEPOSIT_ADDRESS"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.WebhookSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("WEBHOOK_SECRET is required outside development")
	}
	if c.RPCURL != "" && c.DepositAddress == "" {
		return fmt.Errorf("DEPOSIT_ADDRESS is required when RPC_URL is set")
	}
	return nil
}

// ChainWatchEnabled reports whether the on-chain deposit watcher is configured.
func (c *Config) ChainWatchEnabled() bool {
	return c.RPCURL != "" && c.TokenContract != ""
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
