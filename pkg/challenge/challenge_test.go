package challenge

import (
	"encoding/json"
	"testing"
	"time"

	"agent-spend-gateway/pkg/models"
)

func testIssuer(secret string) *Issuer {
	return NewIssuer(NewSigner(secret), "facilitator-test", "sui-testnet", "USDC", "1")
}

func TestIssue(t *testing.T) {
	issuer := testIssuer("test-secret-123")

	t.Run("AppliesDefaults", func(t *testing.T) {
		ch, err := issuer.Issue(&models.ChallengeRequest{Recipient: "0xrecipient"})
		if err != nil {
			t.Fatalf("Failed to issue challenge: %v", err)
		}

		if ch.Version != models.ProtocolVersion {
			t.Errorf("Expected version %d, got %d", models.ProtocolVersion, ch.Version)
		}
		if ch.Scheme != models.SchemeExact {
			t.Errorf("Expected scheme %q, got %q", models.SchemeExact, ch.Scheme)
		}
		if ch.Network != "sui-testnet" {
			t.Errorf("Expected default network, got %q", ch.Network)
		}
		if ch.Token != "USDC" {
			t.Errorf("Expected default token, got %q", ch.Token)
		}
		if ch.MinAmount != "1" {
			t.Errorf("Expected default min amount, got %q", ch.MinAmount)
		}
		if ch.Facilitator != "facilitator-test" {
			t.Errorf("Expected facilitator identity, got %q", ch.Facilitator)
		}
		if ch.ChallengeID == "" || ch.Signature == "" {
			t.Error("Expected challenge ID and signature to be set")
		}
	})

	t.Run("MissingRecipient", func(t *testing.T) {
		if _, err := issuer.Issue(&models.ChallengeRequest{}); err == nil {
			t.Error("Expected error for missing recipient")
		}
		if _, err := issuer.Issue(nil); err == nil {
			t.Error("Expected error for nil request")
		}
	})

	t.Run("TTLClamping", func(t *testing.T) {
		base := time.Unix(1700000000, 0)
		clocked := testIssuer("test-secret-123").WithClock(func() time.Time { return base })

		ch, err := clocked.Issue(&models.ChallengeRequest{Recipient: "0xr", TTLSeconds: 999999})
		if err != nil {
			t.Fatalf("Failed to issue challenge: %v", err)
		}
		if ch.ExpiresAt != base.Unix()+MaxTTLSeconds {
			t.Errorf("Expected TTL clamped to %d seconds, got expiry %d", MaxTTLSeconds, ch.ExpiresAt)
		}

		ch, err = clocked.Issue(&models.ChallengeRequest{Recipient: "0xr"})
		if err != nil {
			t.Fatalf("Failed to issue challenge: %v", err)
		}
		if ch.ExpiresAt != base.Unix()+DefaultTTLSeconds {
			t.Errorf("Expected default TTL of %d seconds, got expiry %d", DefaultTTLSeconds, ch.ExpiresAt)
		}
	})

	t.Run("UniqueChallengeIDs", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 25; i++ {
			ch, err := issuer.Issue(&models.ChallengeRequest{Recipient: "0xr"})
			if err != nil {
				t.Fatalf("Failed to issue challenge %d: %v", i, err)
			}
			if seen[ch.ChallengeID] {
				t.Fatalf("Duplicate challenge ID issued: %s", ch.ChallengeID)
			}
			seen[ch.ChallengeID] = true
		}
	})
}

func TestSignerVerify(t *testing.T) {
	issuer := testIssuer("test-secret-123")
	signer := NewSigner("test-secret-123")

	issue := func(t *testing.T) *models.PaymentChallenge {
		ch, err := issuer.Issue(&models.ChallengeRequest{Recipient: "0xrecipient"})
		if err != nil {
			t.Fatalf("Failed to issue challenge: %v", err)
		}
		return ch
	}

	t.Run("FreshChallengeVerifies", func(t *testing.T) {
		if err := signer.Verify(issue(t)); err != nil {
			t.Errorf("Fresh challenge failed verification: %v", err)
		}
	})

	t.Run("MutatedFieldFailsVerification", func(t *testing.T) {
		mutations := map[string]func(*models.PaymentChallenge){
			"recipient":  func(ch *models.PaymentChallenge) { ch.Recipient = "0xattacker" },
			"min_amount": func(ch *models.PaymentChallenge) { ch.MinAmount = "0" },
			"expires_at": func(ch *models.PaymentChallenge) { ch.ExpiresAt += 86400 },
			"token":      func(ch *models.PaymentChallenge) { ch.Token = "SUI" },
			"network":    func(ch *models.PaymentChallenge) { ch.Network = "sui-mainnet" },
			"context":    func(ch *models.PaymentChallenge) { ch.ContextHash = "deadbeef" },
			"signature":  func(ch *models.PaymentChallenge) { ch.Signature = "00" + ch.Signature[2:] },
		}

		for field, mutate := range mutations {
			ch := issue(t)
			mutate(ch)
			if err := signer.Verify(ch); err == nil {
				t.Errorf("Expected verification to fail after mutating %s", field)
			}
		}
	})

	t.Run("WrongSecretFailsVerification", func(t *testing.T) {
		other := NewSigner("different-secret")
		if err := other.Verify(issue(t)); err == nil {
			t.Error("Expected verification under a different secret to fail")
		}
	})
}

func TestContextHash(t *testing.T) {
	t.Run("KeyOrderIndependent", func(t *testing.T) {
		a, err := ContextHash(json.RawMessage(`{"run":"r1","model":"m1"}`))
		if err != nil {
			t.Fatalf("ContextHash failed: %v", err)
		}
		b, err := ContextHash(json.RawMessage(`{"model":"m1","run":"r1"}`))
		if err != nil {
			t.Fatalf("ContextHash failed: %v", err)
		}
		if a != b {
			t.Errorf("Key order changed the context hash: %s vs %s", a, b)
		}
	})

	t.Run("DifferentContextsDiffer", func(t *testing.T) {
		a, _ := ContextHash(json.RawMessage(`{"run":"r1"}`))
		b, _ := ContextHash(json.RawMessage(`{"run":"r2"}`))
		if a == b {
			t.Error("Different contexts produced the same hash")
		}
	})

	t.Run("EmptyContextIsEmptyObject", func(t *testing.T) {
		a, err := ContextHash(nil)
		if err != nil {
			t.Fatalf("ContextHash failed for nil: %v", err)
		}
		b, err := ContextHash(json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("ContextHash failed for empty object: %v", err)
		}
		if a != b {
			t.Errorf("Missing context should hash as empty object: %s vs %s", a, b)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		if _, err := ContextHash(json.RawMessage(`{not json`)); err == nil {
			t.Error("Expected error for invalid context JSON")
		}
	})
}

func TestCanonicalStringStability(t *testing.T) {
	ch := &models.PaymentChallenge{
		ChallengeID: "ch-123",
		Version:     1,
		Scheme:      "exact",
		Network:     "sui-testnet",
		Token:       "USDC",
		MinAmount:   "100",
		Recipient:   "0xrecipient",
		ContextHash: "abc123",
		ExpiresAt:   1700000300,
		Facilitator: "fac-1",
	}

	expected := "1\nexact\nch-123\nsui-testnet\nUSDC\n100\n0xrecipient\nabc123\n1700000300\nfac-1"
	if actual := CanonicalString(ch); actual != expected {
		t.Errorf("Canonical string mismatch.\nExpected: %q\nActual: %q", expected, actual)
	}
}
