package config

import (
	"os"
	"testing"
	"time"
)

// Helper function to clear all environment variables used by the config
func clearConfigEnv() {
	envVars := []string{
		"GATEWAY_HOST", "GATEWAY_PORT", "FACILITATOR_ID", "FACILITATOR_SECRET",
		"DEFAULT_NETWORK", "DEFAULT_TOKEN", "DEFAULT_MIN_AMOUNT", "CHALLENGE_TTL_SECONDS",
		"LIVE_SETTLEMENT", "SUI_RPC_URL", "SUI_MNEMONIC", "SUI_CHAIN_ID", "SUI_PACKAGE_ID",
		"SUI_LEDGER_ID", "SUI_DELEGATION_MANAGER_ID", "SUI_SETTLEMENT_RECIPIENT",
		"GATEWAY_DB_PATH", "NONCE_RETENTION_HOURS", "LOG_LEVEL",
	}
	for _, envVar := range envVars {
		os.Unsetenv(envVar)
	}
}

func TestConfig_Load_WithDefaults(t *testing.T) {
	clearConfigEnv()

	os.Setenv("FACILITATOR_SECRET", "test-secret")
	defer clearConfigEnv()

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "0.0.0.0" {
		t.Errorf("Expected Host '0.0.0.0', got '%s'", config.Host)
	}

	if config.Port != "8402" {
		t.Errorf("Expected Port '8402', got '%s'", config.Port)
	}

	if config.FacilitatorID != "agent-spend-gateway" {
		t.Errorf("Expected FacilitatorID 'agent-spend-gateway', got '%s'", config.FacilitatorID)
	}

	if config.DefaultNetwork != "sui-testnet" {
		t.Errorf("Expected DefaultNetwork 'sui-testnet', got '%s'", config.DefaultNetwork)
	}

	if config.DefaultToken != "USDC" {
		t.Errorf("Expected DefaultToken 'USDC', got '%s'", config.DefaultToken)
	}

	if config.ChallengeTTLSeconds != 300 {
		t.Errorf("Expected ChallengeTTLSeconds 300, got %d", config.ChallengeTTLSeconds)
	}

	if config.LiveSettlement {
		t.Error("Expected LiveSettlement to default to false")
	}

	if config.DatabasePath != "gateway.db" {
		t.Errorf("Expected DatabasePath 'gateway.db', got '%s'", config.DatabasePath)
	}

	if config.NonceRetentionHours != 24 {
		t.Errorf("Expected NonceRetentionHours 24, got %d", config.NonceRetentionHours)
	}

	if config.LogLevel != "info" {
		t.Errorf("Expected LogLevel 'info', got '%s'", config.LogLevel)
	}
}

func TestConfig_Load_WithCustomValues(t *testing.T) {
	clearConfigEnv()

	os.Setenv("GATEWAY_HOST", "127.0.0.1")
	os.Setenv("GATEWAY_PORT", "9402")
	os.Setenv("FACILITATOR_ID", "custom-facilitator")
	os.Setenv("FACILITATOR_SECRET", "custom-secret")
	os.Setenv("DEFAULT_NETWORK", "sui-mainnet")
	os.Setenv("DEFAULT_TOKEN", "SUI")
	os.Setenv("DEFAULT_MIN_AMOUNT", "10")
	os.Setenv("CHALLENGE_TTL_SECONDS", "600")
	os.Setenv("GATEWAY_DB_PATH", "/tmp/custom-gateway.db")
	os.Setenv("NONCE_RETENTION_HOURS", "48")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("SUI_DELEGATION_MANAGER_ID", "0xmanager")
	os.Setenv("SUI_SETTLEMENT_RECIPIENT", "0xrecipient")
	defer clearConfigEnv()

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "127.0.0.1" {
		t.Errorf("Expected Host '127.0.0.1', got '%s'", config.Host)
	}

	if config.Port != "9402" {
		t.Errorf("Expected Port '9402', got '%s'", config.Port)
	}

	if config.FacilitatorID != "custom-facilitator" {
		t.Errorf("Expected FacilitatorID 'custom-facilitator', got '%s'", config.FacilitatorID)
	}

	if config.DefaultNetwork != "sui-mainnet" {
		t.Errorf("Expected DefaultNetwork 'sui-mainnet', got '%s'", config.DefaultNetwork)
	}

	if config.DefaultMinAmount != "10" {
		t.Errorf("Expected DefaultMinAmount '10', got '%s'", config.DefaultMinAmount)
	}

	if config.ChallengeTTLSeconds != 600 {
		t.Errorf("Expected ChallengeTTLSeconds 600, got %d", config.ChallengeTTLSeconds)
	}

	if config.DatabasePath != "/tmp/custom-gateway.db" {
		t.Errorf("Expected DatabasePath '/tmp/custom-gateway.db', got '%s'", config.DatabasePath)
	}

	if config.NonceRetentionHours != 48 {
		t.Errorf("Expected NonceRetentionHours 48, got %d", config.NonceRetentionHours)
	}

	if !config.MirroringConfigured() {
		t.Error("Expected mirroring to be configured with manager and recipient set")
	}
}

func TestConfig_Validation_MissingSecret(t *testing.T) {
	clearConfigEnv()
	defer clearConfigEnv()

	_, err := Load()
	if err == nil {
		t.Error("Expected error when FACILITATOR_SECRET is missing")
	}

	expectedError := "FACILITATOR_SECRET must be set"
	if err.Error() != expectedError {
		t.Errorf("Expected error '%s', got '%s'", expectedError, err.Error())
	}
}

func TestConfig_Validation_LiveSettlementNeedsWallet(t *testing.T) {
	clearConfigEnv()

	os.Setenv("FACILITATOR_SECRET", "test-secret")
	os.Setenv("LIVE_SETTLEMENT", "true")
	defer clearConfigEnv()

	_, err := Load()
	if err == nil {
		t.Error("Expected error when LIVE_SETTLEMENT=true without a mnemonic")
	}

	expectedError := "SUI_MNEMONIC must be set when LIVE_SETTLEMENT=true"
	if err.Error() != expectedError {
		t.Errorf("Expected error '%s', got '%s'", expectedError, err.Error())
	}
}

func TestConfig_Validation_LiveSettlementNeedsPackage(t *testing.T) {
	clearConfigEnv()

	os.Setenv("FACILITATOR_SECRET", "test-secret")
	os.Setenv("LIVE_SETTLEMENT", "true")
	os.Setenv("SUI_MNEMONIC", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about")
	defer clearConfigEnv()

	_, err := Load()
	if err == nil {
		t.Error("Expected error when LIVE_SETTLEMENT=true without a package ID")
	}

	expectedError := "SUI_PACKAGE_ID must be set when LIVE_SETTLEMENT=true"
	if err.Error() != expectedError {
		t.Errorf("Expected error '%s', got '%s'", expectedError, err.Error())
	}
}

func TestConfig_Validation_InvalidTTL(t *testing.T) {
	clearConfigEnv()

	os.Setenv("FACILITATOR_SECRET", "test-secret")
	os.Setenv("CHALLENGE_TTL_SECONDS", "-5")
	defer clearConfigEnv()

	_, err := Load()
	if err == nil {
		t.Error("Expected error for a non-positive challenge TTL")
	}
}

func TestConfig_GetAddr(t *testing.T) {
	clearConfigEnv()

	os.Setenv("FACILITATOR_SECRET", "test-secret")
	os.Setenv("GATEWAY_HOST", "192.168.1.5")
	os.Setenv("GATEWAY_PORT", "9000")
	defer clearConfigEnv()

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	expectedAddr := "192.168.1.5:9000"
	if actualAddr := config.GetAddr(); actualAddr != expectedAddr {
		t.Errorf("Expected addr '%s', got '%s'", expectedAddr, actualAddr)
	}
}

func TestConfig_Durations(t *testing.T) {
	clearConfigEnv()

	os.Setenv("FACILITATOR_SECRET", "test-secret")
	os.Setenv("CHALLENGE_TTL_SECONDS", "900")
	os.Setenv("NONCE_RETENTION_HOURS", "12")
	defer clearConfigEnv()

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.GetChallengeTTL() != 900*time.Second {
		t.Errorf("Expected challenge TTL 900s, got %v", config.GetChallengeTTL())
	}

	if config.GetNonceRetention() != 12*time.Hour {
		t.Errorf("Expected nonce retention 12h, got %v", config.GetNonceRetention())
	}
}

func TestConfig_MirroringConfigured(t *testing.T) {
	clearConfigEnv()

	os.Setenv("FACILITATOR_SECRET", "test-secret")
	os.Setenv("SUI_DELEGATION_MANAGER_ID", "0xmanager")
	defer clearConfigEnv()

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Manager without recipient is not enough
	if config.MirroringConfigured() {
		t.Error("Expected mirroring unconfigured without a settlement recipient")
	}
}

func TestGetEnvAsBool(t *testing.T) {
	os.Setenv("TEST_BOOL", "true")
	defer os.Unsetenv("TEST_BOOL")

	if !getEnvAsBool("TEST_BOOL", false) {
		t.Error("Expected true for 'true'")
	}

	os.Setenv("TEST_BOOL", "not_a_bool")
	if !getEnvAsBool("TEST_BOOL", true) {
		t.Error("Expected default true for invalid value")
	}

	os.Unsetenv("TEST_BOOL")
	if getEnvAsBool("TEST_BOOL", false) {
		t.Error("Expected default false for unset value")
	}
}
