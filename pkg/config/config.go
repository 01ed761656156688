// Package config provides configuration management for the Agent Spend Gateway.
// Loads settings from environment variables and .env files with validation and
// defaults. The facilitator secret is the only hard requirement; everything
// else has a development-friendly default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// SuiConfig contains Sui blockchain-specific configuration for live
// settlement and on-chain consumption mirroring. All fields are optional;
// missing values cause the gateway to fall back to off-chain operation.
type SuiConfig struct {
	RPCUrl              string // Sui RPC endpoint URL
	Mnemonic            string // Facilitator wallet mnemonic for signing transactions
	ChainID             string // Network identifier (mainnet, testnet, devnet)
	PackageID           string // Deployed spend-ledger package ID
	LedgerID            string // Shared settlement ledger object ID
	DelegationManagerID string // Shared delegation manager object ID
	SettlementRecipient string // Recipient address for mirrored consumption transfers
}

// Config holds all configuration settings for the facilitator service.
type Config struct {
	// HTTP server
	Host string // Bind host address
	Port string // Bind port

	// Facilitator identity and signing
	FacilitatorID     string // Issuer identity embedded in every challenge
	FacilitatorSecret string // Symmetric secret keying the challenge MAC

	// Protocol defaults
	DefaultNetwork      string // Network stamped on challenges when the request omits one
	DefaultToken        string // Token stamped on challenges when the request omits one
	DefaultMinAmount    string // Minimum amount default (decimal string)
	ChallengeTTLSeconds int64  // Default challenge lifetime

	// Settlement
	LiveSettlement bool // When false, settlement uses deterministic simulated references

	// Sui Configuration
	SUI SuiConfig

	// Database
	DatabasePath string // File path for the gateway SQLite database

	// Housekeeping
	NonceRetentionHours int // How long consumed spend nonces are remembered

	// Logging
	LogLevel string // Log level (debug, info, warn, error)
}

// Load reads configuration from environment variables and .env file.
// Returns a validated configuration instance with all required settings.
// Automatically loads .env file if present, with environment variables taking precedence.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Host: getEnv("GATEWAY_HOST", "0.0.0.0"),
		Port: getEnv("GATEWAY_PORT", "8402"),

		FacilitatorID:     getEnv("FACILITATOR_ID", "agent-spend-gateway"),
		FacilitatorSecret: getEnv("FACILITATOR_SECRET", ""),

		DefaultNetwork:      getEnv("DEFAULT_NETWORK", "sui-testnet"),
		DefaultToken:        getEnv("DEFAULT_TOKEN", "USDC"),
		DefaultMinAmount:    getEnv("DEFAULT_MIN_AMOUNT", "1"),
		ChallengeTTLSeconds: int64(getEnvAsInt("CHALLENGE_TTL_SECONDS", 300)),

		LiveSettlement: getEnvAsBool("LIVE_SETTLEMENT", false),

		SUI: SuiConfig{
			RPCUrl:              getEnv("SUI_RPC_URL", "https://fullnode.testnet.sui.io:443"),
			Mnemonic:            getEnv("SUI_MNEMONIC", ""),
			ChainID:             getEnv("SUI_CHAIN_ID", "testnet"),
			PackageID:           getEnv("SUI_PACKAGE_ID", ""),
			LedgerID:            getEnv("SUI_LEDGER_ID", ""),
			DelegationManagerID: getEnv("SUI_DELEGATION_MANAGER_ID", ""),
			SettlementRecipient: getEnv("SUI_SETTLEMENT_RECIPIENT", ""),
		},

		DatabasePath: getEnv("GATEWAY_DB_PATH", "gateway.db"),

		NonceRetentionHours: getEnvAsInt("NONCE_RETENTION_HOURS", 24),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return config, config.validate()
}

// validate ensures all required configuration values are present and valid.
// The facilitator secret keys every challenge MAC and must never be empty;
// live settlement additionally needs a funded wallet and a deployed package.
func (c *Config) validate() error {
	if c.FacilitatorSecret == "" {
		return fmt.Errorf("FACILITATOR_SECRET must be set")
	}

	if c.ChallengeTTLSeconds <= 0 {
		return fmt.Errorf("CHALLENGE_TTL_SECONDS must be positive")
	}

	if c.LiveSettlement {
		if c.SUI.Mnemonic == "" {
			return fmt.Errorf("SUI_MNEMONIC must be set when LIVE_SETTLEMENT=true")
		}
		if c.SUI.PackageID == "" {
			return fmt.Errorf("SUI_PACKAGE_ID must be set when LIVE_SETTLEMENT=true")
		}
	}

	return nil
}

// GetAddr returns the complete bind address for the facilitator service.
func (c *Config) GetAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// GetChallengeTTL returns the default challenge lifetime as a duration.
func (c *Config) GetChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLSeconds) * time.Second
}

// GetNonceRetention returns the spend-nonce retention window as a duration.
func (c *Config) GetNonceRetention() time.Duration {
	return time.Duration(c.NonceRetentionHours) * time.Hour
}

// MirroringConfigured reports whether on-chain consumption mirroring can run:
// it needs both a delegation manager object and a settlement recipient.
// Absence of either value selects the off-chain-only path.
func (c *Config) MirroringConfigured() bool {
	return c.SUI.DelegationManagerID != "" && c.SUI.SettlementRecipient != ""
}

// getEnv retrieves an environment variable or returns a default value.
// Helper function for loading configuration with fallback defaults.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as integer or returns a default.
// Safely converts string environment variables to integers with error handling.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as boolean or returns a default.
// Safely converts string environment variables to booleans with error handling.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
