// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

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

	// Custodian settings
	CustodianURL string // Remote custodian service (address allocation + transfers)

	// Chain observation settings
	RPCURL       string // Optional, enables on-chain deposit observation
	ChainID      int64
	USDTContract string

	// Fee settings
	FeePercent string // Percent of escrow amount, e.g. "0.25"
	MinFee     string // Floor in USDT
	MaxFee     string // Cap in USDT, empty means uncapped

	// Treasury
	SystemWalletAddr string // Ledger address credited with collected fees

	// Security
	AdminVerifyKey   string // Hex Ed25519 public key for dispute resolutions
	UserTokenHMACKey string // Key for pseudonymous user tokens
	AdminAPISecret   string // Shared secret gating admin read endpoints

	// Tracing
	OTLPEndpoint string // Optional, tracing disabled if not set

	// Deposit monitor
	DepositPollInterval time.Duration
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultChainID      = 728126428 // Tron mainnet via EVM bridge RPC
	DefaultUSDTContract = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
	DefaultFeePercent   = "0.25"
	DefaultMinFee       = "1.0"
	DefaultPollInterval = 5 * time.Second

	// DefaultSystemWalletAddr is the ledger-only fee pool identity used when
	// the operator has not configured a sweep destination.
	DefaultSystemWalletAddr = "0x00000000000000000000000000000000000feec0"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		CustodianURL:        os.Getenv("CUSTODIAN_URL"),
		RPCURL:              os.Getenv("RPC_URL"), // Optional, observer disabled if not set
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		USDTContract:        getEnv("USDT_CONTRACT", DefaultUSDTContract),
		FeePercent:          getEnv("FEE_PERCENT", DefaultFeePercent),
		MinFee:              getEnv("MIN_FEE", DefaultMinFee),
		MaxFee:              os.Getenv("MAX_FEE"),
		SystemWalletAddr:    getEnv("SYSTEM_WALLET_ADDR", DefaultSystemWalletAddr),
		AdminVerifyKey:      os.Getenv("ADMIN_VERIFY_KEY"),
		UserTokenHMACKey:    os.Getenv("USER_TOKEN_HMAC_KEY"),
		AdminAPISecret:      os.Getenv("ADMIN_API_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DepositPollInterval: getEnvDuration("DEPOSIT_POLL_INTERVAL", DefaultPollInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CustodianURL == "" {
		return fmt.Errorf("CUSTODIAN_URL is required")
	}

	if c.AdminVerifyKey == "" {
		return fmt.Errorf("ADMIN_VERIFY_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.AdminVerifyKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("ADMIN_VERIFY_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.UserTokenHMACKey == "" {
		return fmt.Errorf("USER_TOKEN_HMAC_KEY is required")
	}

	if c.IsProduction() && c.AdminAPISecret == "" {
		return fmt.Errorf("ADMIN_API_SECRET is required in production")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
