// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL             string
	ChainID            int64
	SignalWindowBlocks uint64        // Block window for recent-activity signals
	RequestTimeout     time.Duration // Per-RPC-call timeout
	LookupAttempts     int           // Retry attempts for transaction lookup

	// External predictor
	PredictorURL     string // Optional, predictions disabled if not set
	PredictorTimeout time.Duration

	// Rule thresholds (optional overrides, decimal strings)
	HighValueEth       string
	RoundNumberEnabled bool
	VerifiedContracts  []string // Addresses exempt from the unverified-contract flag

	// Security
	RateLimitRPS int
}

// Sepolia defaults
const (
	DefaultRPCURL             = "https://ethereum-sepolia-rpc.publicnode.com"
	DefaultChainID            = 11155111 // Sepolia
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultSignalWindowBlocks = 1
	DefaultRequestTimeout     = 10 * time.Second
	DefaultPredictorTimeout   = 5 * time.Second
	DefaultLookupAttempts     = 3
	DefaultRateLimit          = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		SignalWindowBlocks: uint64(getEnvInt64("SIGNAL_WINDOW_BLOCKS", DefaultSignalWindowBlocks)),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		LookupAttempts:     int(getEnvInt64("LOOKUP_ATTEMPTS", DefaultLookupAttempts)),
		PredictorURL:       os.Getenv("PREDICTOR_URL"), // Optional, advisory model disabled if not set
		PredictorTimeout:   getEnvDuration("PREDICTOR_TIMEOUT", DefaultPredictorTimeout),
		HighValueEth:       os.Getenv("HIGH_VALUE_ETH"),
		RoundNumberEnabled: getEnvBool("ROUND_NUMBER_RULE", false),
		VerifiedContracts:  splitList(os.Getenv("VERIFIED_CONTRACTS")),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive, got %d", c.ChainID)
	}

	if c.SignalWindowBlocks == 0 {
		return fmt.Errorf("SIGNAL_WINDOW_BLOCKS must be at least 1")
	}

	if c.PredictorURL != "" {
		u, err := url.Parse(c.PredictorURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("PREDICTOR_URL must be an http(s) URL")
		}
	}

	if c.HighValueEth != "" {
		if _, err := strconv.ParseFloat(c.HighValueEth, 64); err != nil {
			return fmt.Errorf("HIGH_VALUE_ETH must be a decimal number: %w", err)
		}
	}

	for _, addr := range c.VerifiedContracts {
		if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
			return fmt.Errorf("VERIFIED_CONTRACTS entry %q is not a valid address", addr)
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
