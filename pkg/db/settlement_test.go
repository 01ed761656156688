package db

import (
	"path/filepath"
	"testing"
	"time"

	"agent-spend-gateway/pkg/models"
)

func setupTestDB(t *testing.T) *GatewayDB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := NewGatewayDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return database
}

func TestClaimSettlement(t *testing.T) {
	database := setupTestDB(t)

	rec := &models.SettlementRecord{
		ReplayKey:  "rk-001",
		PaymentRef: "pay_rk-001",
		Status:     models.SettlementPending,
		Network:    "sui-testnet",
		Payer:      "0xpayer",
		Amount:     "100",
		CreatedAt:  time.Now(),
	}

	t.Run("FirstClaimWins", func(t *testing.T) {
		claimed, err := database.ClaimSettlement(rec)
		if err != nil {
			t.Fatalf("Failed to claim settlement: %v", err)
		}
		if !claimed {
			t.Fatal("Expected first claim to succeed")
		}
	})

	t.Run("SecondClaimLoses", func(t *testing.T) {
		claimed, err := database.ClaimSettlement(rec)
		if err != nil {
			t.Fatalf("Failed on second claim: %v", err)
		}
		if claimed {
			t.Error("Expected second claim for the same replay key to lose")
		}
	})

	t.Run("DifferentKeyClaims", func(t *testing.T) {
		other := *rec
		other.ReplayKey = "rk-002"
		other.PaymentRef = "pay_rk-002"

		claimed, err := database.ClaimSettlement(&other)
		if err != nil {
			t.Fatalf("Failed to claim settlement: %v", err)
		}
		if !claimed {
			t.Error("Expected claim for a different replay key to succeed")
		}
	})
}

func TestFinalizeAndGetSettlement(t *testing.T) {
	database := setupTestDB(t)

	rec := &models.SettlementRecord{
		ReplayKey:  "rk-final",
		PaymentRef: "pay_rk-final",
		Status:     models.SettlementPending,
		Network:    "sui-testnet",
		Payer:      "0xpayer",
		Amount:     "250",
		CreatedAt:  time.Now(),
	}

	if _, err := database.ClaimSettlement(rec); err != nil {
		t.Fatalf("Failed to claim settlement: %v", err)
	}

	if err := database.FinalizeSettlement("rk-final", models.SettlementSettled, "0xabc123", ""); err != nil {
		t.Fatalf("Failed to finalize settlement: %v", err)
	}

	stored, err := database.GetSettlement("rk-final")
	if err != nil {
		t.Fatalf("Failed to get settlement: %v", err)
	}
	if stored == nil {
		t.Fatal("Expected settlement record, got nil")
	}

	if stored.Status != models.SettlementSettled {
		t.Errorf("Expected status settled, got %s", stored.Status)
	}
	if stored.TxHash != "0xabc123" {
		t.Errorf("Expected tx hash 0xabc123, got %s", stored.TxHash)
	}
	if stored.PaymentRef != "pay_rk-final" {
		t.Errorf("Expected payment ref pay_rk-final, got %s", stored.PaymentRef)
	}
	if stored.Payer != "0xpayer" || stored.Amount != "250" {
		t.Errorf("Payer/amount mismatch: %s / %s", stored.Payer, stored.Amount)
	}
}

func TestGetSettlementNotFound(t *testing.T) {
	database := setupTestDB(t)

	rec, err := database.GetSettlement("missing-key")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec != nil {
		t.Error("Expected nil for a missing replay key")
	}
}

func TestSaveSettleAudit(t *testing.T) {
	database := setupTestDB(t)

	audit := &models.SettleAudit{
		ReplayKey:  "rk-audit",
		RequestID:  "req-1",
		Headers:    `{"Content-Type":["application/json"]}`,
		BodyHash:   "abcdef",
		StatusCode: 200,
		CreatedAt:  time.Now(),
	}

	if err := database.SaveSettleAudit(audit); err != nil {
		t.Fatalf("Failed to save settle audit: %v", err)
	}

	// A second audit for the same key must also store; audits are per call
	if err := database.SaveSettleAudit(audit); err != nil {
		t.Fatalf("Failed to save second settle audit: %v", err)
	}
}
