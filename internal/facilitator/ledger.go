package facilitator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"agent-spend-gateway/pkg/amount"
	"agent-spend-gateway/pkg/challenge"
	"agent-spend-gateway/pkg/models"
	"agent-spend-gateway/pkg/sui"

	"github.com/rs/zerolog"
)

const (
	// maxBackendMessage bounds the backend error text stored on a failed
	// settlement, so raw backend internals never leak to callers.
	maxBackendMessage = 200

	// Losers of a settlement claim wait for the winner to finalize before
	// answering, so concurrent settle calls converge to one outcome.
	settleAwaitInterval = 25 * time.Millisecond
	settleAwaitAttempts = 80
)

// SettlementStore is the persistence surface the ledger needs. ClaimSettlement
// must be atomic insert-if-absent: concurrent claimants for one replay key
// converge to exactly one winner.
type SettlementStore interface {
	ClaimSettlement(rec *models.SettlementRecord) (bool, error)
	FinalizeSettlement(replayKey, status, txHash, reasonCode string) error
	GetSettlement(replayKey string) (*models.SettlementRecord, error)
}

// SettlementBackend executes the actual value transfer for a claimed payment.
// Implementations are selected once at construction: a deterministic
// simulated backend when live settlement is disabled, or the Sui backend.
type SettlementBackend interface {
	Settle(ctx context.Context, ch *models.PaymentChallenge, env *models.PaymentEnvelope) (txHash string, err error)
}

// SimulatedBackend derives a deterministic transaction reference from the
// replay key without touching any chain. Used when live settlement is
// disabled; every settle of the same payment yields the same reference.
type SimulatedBackend struct{}

// Settle returns the simulated transaction reference for the envelope.
func (SimulatedBackend) Settle(_ context.Context, _ *models.PaymentChallenge, env *models.PaymentEnvelope) (string, error) {
	sum := sha256.Sum256([]byte("simulated-settlement:" + env.ReplayKey))
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// SuiBackend settles payments by recording them on the spend-ledger Move
// package. The commitment binds the on-chain record to the envelope.
type SuiBackend struct {
	txBuilder *sui.TransactionBuilder
	ledgerID  string
}

// NewSuiBackend creates a live settlement backend over a transaction builder
// and the shared settlement ledger object.
func NewSuiBackend(txBuilder *sui.TransactionBuilder, ledgerID string) *SuiBackend {
	return &SuiBackend{txBuilder: txBuilder, ledgerID: ledgerID}
}

// Settle records the payment on-chain and returns the transaction digest.
func (b *SuiBackend) Settle(ctx context.Context, ch *models.PaymentChallenge, env *models.PaymentEnvelope) (string, error) {
	amt, err := amount.Uint64(env.Amount)
	if err != nil {
		return "", fmt.Errorf("invalid settlement amount: %w", err)
	}

	commitment := sha256.Sum256([]byte(env.ChallengeID + ":" + env.ReplayKey + ":" + env.Proof))

	return b.txBuilder.RecordSettlement(
		ctx,
		b.ledgerID,
		models.PaymentRef(env.ReplayKey),
		commitment[:],
		env.Payer,
		ch.Recipient,
		amt,
		uint64(time.Now().Unix()),
	)
}

// Ledger adjudicates payment envelopes against their challenges and commits
// idempotent settlement outcomes. Verification is a dry run; settlement
// claims the replay key atomically and fixes the outcome exactly once.
type Ledger struct {
	signer  *challenge.Signer
	store   SettlementStore
	backend SettlementBackend
	logger  zerolog.Logger
	now     func() time.Time
}

// NewLedger creates a settlement ledger with the given signer, store, and
// settlement backend.
func NewLedger(signer *challenge.Signer, store SettlementStore, backend SettlementBackend, logger zerolog.Logger) *Ledger {
	return &Ledger{
		signer:  signer,
		store:   store,
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the ledger's time source for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// adjudicate runs the shared validation pipeline in order, short-circuiting
// on the first failure: schema, signature, expiry, context. Replay is checked
// separately because its semantics differ between verify and settle.
// Returns the empty string when the payment passes.
func (l *Ledger) adjudicate(ch *models.PaymentChallenge, env *models.PaymentEnvelope) string {
	// Schema check: both sides must carry the fields the pipeline reads
	if ch == nil || env == nil {
		return models.ReasonInvalidPayload
	}
	if ch.ChallengeID == "" || ch.Recipient == "" || ch.Signature == "" {
		return models.ReasonInvalidPayload
	}
	if env.ReplayKey == "" || env.ChallengeID == "" || env.Payer == "" {
		return models.ReasonInvalidPayload
	}
	if env.ChallengeID != ch.ChallengeID || env.Scheme != ch.Scheme || env.Version != ch.Version {
		return models.ReasonInvalidPayload
	}
	// The envelope copies expiresAt from its challenge; a mismatch means the
	// envelope was not built against this challenge
	if env.ExpiresAt != ch.ExpiresAt {
		return models.ReasonInvalidPayload
	}
	if _, err := amount.Parse(env.Amount); err != nil {
		return models.ReasonInvalidPayload
	}

	// Signature check: tamper-evident, corrupted and forged look the same
	if err := l.signer.Verify(ch); err != nil {
		return models.ReasonInvalidPayload
	}

	// Expiry check
	now := l.now().Unix()
	if now > ch.ExpiresAt || now > env.ExpiresAt {
		return models.ReasonExpiredPayment
	}

	// Context check
	if env.ContextHash != ch.ContextHash {
		return models.ReasonContextMismatch
	}

	return ""
}

// Verify dry-runs the validation pipeline for a payment. It reads existing
// settlement state for the replay check but never mutates anything. A payment
// whose replay key has already settled can no longer verify as fresh.
func (l *Ledger) Verify(env *models.PaymentEnvelope, ch *models.PaymentChallenge) (*models.VerifyResponse, error) {
	replayKey := ""
	if env != nil {
		replayKey = env.ReplayKey
	}

	if reason := l.adjudicate(ch, env); reason != "" {
		return &models.VerifyResponse{
			Status:     models.VerifyRejected,
			PaymentRef: models.PaymentRef(replayKey),
			ReasonCode: reason,
		}, nil
	}

	rec, err := l.store.GetSettlement(env.ReplayKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read settlement state: %w", err)
	}
	if rec != nil && rec.Status == models.SettlementSettled {
		return &models.VerifyResponse{
			Status:     models.VerifyRejected,
			PaymentRef: rec.PaymentRef,
			ReasonCode: models.ReasonReplayDetected,
		}, nil
	}

	return &models.VerifyResponse{
		Status:     models.VerifyAccepted,
		PaymentRef: models.PaymentRef(env.ReplayKey),
	}, nil
}

// Settle runs the validation pipeline and commits the settlement outcome for
// the envelope's replay key, exactly once. Replayed settle calls that pass
// validation return the stored record verbatim, however many callers race:
// one claims the key and performs the backend settlement, the rest observe
// the committed result. Validation runs before the replay lookup, so a
// tampered or mismatched resubmission is rejected even when its replay key
// has already settled. A rejected settlement persists nothing.
func (l *Ledger) Settle(ctx context.Context, env *models.PaymentEnvelope, ch *models.PaymentChallenge) (*models.SettleResponse, error) {
	if reason := l.adjudicate(ch, env); reason != "" {
		replayKey := ""
		if env != nil {
			replayKey = env.ReplayKey
		}
		return &models.SettleResponse{
			Status:     models.SettlementRejected,
			PaymentRef: models.PaymentRef(replayKey),
			ReasonCode: reason,
		}, nil
	}

	// Idempotent fast path. This runs after validation: a replayed key only
	// short-circuits a payment that still validates on its own.
	rec, err := l.store.GetSettlement(env.ReplayKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read settlement state: %w", err)
	}
	if rec != nil {
		return settleResponseFrom(l.awaitFinalized(rec)), nil
	}

	claimed, err := l.store.ClaimSettlement(&models.SettlementRecord{
		ReplayKey:  env.ReplayKey,
		PaymentRef: models.PaymentRef(env.ReplayKey),
		Status:     models.SettlementPending,
		Network:    ch.Network,
		Payer:      env.Payer,
		Amount:     env.Amount,
		CreatedAt:  l.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim replay key: %w", err)
	}

	if !claimed {
		// Another caller owns this key; wait for its committed outcome
		rec, err := l.store.GetSettlement(env.ReplayKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read settlement state: %w", err)
		}
		return settleResponseFrom(l.awaitFinalized(rec)), nil
	}

	status, txHash, reasonCode := l.executeBackend(ctx, ch, env)

	if err := l.store.FinalizeSettlement(env.ReplayKey, status, txHash, reasonCode); err != nil {
		return nil, fmt.Errorf("failed to finalize settlement: %w", err)
	}

	l.logger.Info().
		Str("replay_key", env.ReplayKey).
		Str("status", status).
		Str("tx_hash", txHash).
		Msg("Settlement committed")

	return &models.SettleResponse{
		Status:     status,
		PaymentRef: models.PaymentRef(env.ReplayKey),
		TxHash:     txHash,
		ReasonCode: reasonCode,
	}, nil
}

// executeBackend performs the backend settlement for a freshly claimed key
// and maps the result to a terminal record state. Backend failures become a
// failed record with a bounded message; the key stays claimed either way, so
// a failed settlement never silently retries from scratch.
func (l *Ledger) executeBackend(ctx context.Context, ch *models.PaymentChallenge, env *models.PaymentEnvelope) (status, txHash, reasonCode string) {
	txHash, err := l.backend.Settle(ctx, ch, env)
	if err != nil {
		l.logger.Error().Err(err).
			Str("replay_key", env.ReplayKey).
			Msg("Settlement backend failed")
		return models.SettlementFailed, txHash, truncateMessage(err.Error())
	}
	return models.SettlementSettled, txHash, ""
}

// awaitFinalized waits briefly for a pending record claimed by a concurrent
// caller to reach its final state, then returns the latest committed record.
// If the winner is still settling after the wait, the pending record is
// returned as-is.
func (l *Ledger) awaitFinalized(rec *models.SettlementRecord) *models.SettlementRecord {
	if rec == nil || rec.Status != models.SettlementPending {
		return rec
	}

	for i := 0; i < settleAwaitAttempts; i++ {
		time.Sleep(settleAwaitInterval)

		latest, err := l.store.GetSettlement(rec.ReplayKey)
		if err != nil || latest == nil {
			return rec
		}
		if latest.Status != models.SettlementPending {
			return latest
		}
		rec = latest
	}

	return rec
}

// settleResponseFrom maps a stored settlement record to the wire response.
func settleResponseFrom(rec *models.SettlementRecord) *models.SettleResponse {
	return &models.SettleResponse{
		Status:     rec.Status,
		PaymentRef: rec.PaymentRef,
		TxHash:     rec.TxHash,
		ReasonCode: rec.ReasonCode,
	}
}

// truncateMessage bounds a backend error message for storage and responses.
func truncateMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > maxBackendMessage {
		return msg[:maxBackendMessage]
	}
	return msg
}
