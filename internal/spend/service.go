// Package spend implements the spend-authorization service: short-lived,
// single-use authorizations derived from a delegation for one run. Consuming
// an authorization atomically decrements the delegation's allowance and
// persists a SpendEvidence record for downstream audit.
package spend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agent-spend-gateway/pkg/amount"
	"agent-spend-gateway/pkg/delegation"
	"agent-spend-gateway/pkg/models"
	"agent-spend-gateway/pkg/sui"

	"github.com/rs/zerolog"
)

// Store is the persistence surface of the spend service beyond the
// delegation registry: nonce replay tracking and evidence records.
type Store interface {
	ClaimSpendNonce(delegationID, nonce string) (bool, error)
	ReleaseSpendNonce(delegationID, nonce string) error
	SaveSpendEvidence(ev *models.SpendEvidence) error
	ListSpendEvidence(delegationID string) ([]*models.SpendEvidence, error)
}

// ConsumptionMirror mirrors a committed allowance consumption on-chain.
// The strategy is selected once at construction from configuration; callers
// never branch on configuration presence.
type ConsumptionMirror interface {
	Mirror(ctx context.Context, d *models.Delegation, auth *models.SpendAuthorization) (txHash string, err error)
}

// OffChainOnly is the mirror used when no delegation-manager address or
// settlement recipient is configured. Consumption stays off-chain and the
// evidence transaction hashes remain empty.
type OffChainOnly struct{}

// Mirror is a no-op.
func (OffChainOnly) Mirror(_ context.Context, _ *models.Delegation, _ *models.SpendAuthorization) (string, error) {
	return "", nil
}

// OnChainMirrored mirrors each consumption as a consume_allowance Move call
// on the configured delegation manager object.
type OnChainMirrored struct {
	txBuilder *sui.TransactionBuilder
	managerID string
	recipient string
}

// NewOnChainMirrored creates the on-chain mirroring strategy.
func NewOnChainMirrored(txBuilder *sui.TransactionBuilder, managerID, recipient string) *OnChainMirrored {
	return &OnChainMirrored{txBuilder: txBuilder, managerID: managerID, recipient: recipient}
}

// Mirror submits the consumption to the delegation manager and returns the
// transaction digest. The delegation's post-consumption nonce makes the
// mirrored record joinable with the off-chain row.
func (m *OnChainMirrored) Mirror(ctx context.Context, d *models.Delegation, auth *models.SpendAuthorization) (string, error) {
	amt, err := amount.Uint64(auth.Amount)
	if err != nil {
		return "", fmt.Errorf("invalid mirror amount: %w", err)
	}

	return m.txBuilder.ConsumeAllowance(ctx, m.managerID, d.ID, m.recipient, amt, uint64(d.Nonce))
}

// Service validates and consumes spend authorizations against the delegation
// registry.
type Service struct {
	registry *delegation.Registry
	store    Store
	mirror   ConsumptionMirror
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService creates a spend-authorization service. The mirror strategy is
// fixed here: pass OffChainOnly when on-chain mirroring is not configured.
func NewService(registry *delegation.Registry, store Store, mirror ConsumptionMirror, logger zerolog.Logger) *Service {
	return &Service{
		registry: registry,
		store:    store,
		mirror:   mirror,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the service's time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Validate checks a spend authorization without consuming anything: required
// fields, authorization expiry, agent identity, amount sanity, then the
// registry's run preconditions.
func (s *Service) Validate(auth *models.SpendAuthorization) (*delegation.RunValidation, error) {
	if auth == nil ||
		strings.TrimSpace(auth.DelegationID) == "" ||
		strings.TrimSpace(auth.AgentID) == "" ||
		strings.TrimSpace(auth.Action) == "" ||
		strings.TrimSpace(auth.Token) == "" ||
		strings.TrimSpace(auth.Nonce) == "" {
		return &delegation.RunValidation{Valid: false, Reason: models.ReasonMissingRequiredFields}, nil
	}

	if s.now().Unix() > auth.ExpiresAt {
		return &delegation.RunValidation{Valid: false, Reason: models.ReasonSpendAuthExpired}, nil
	}

	d, err := s.registry.Get(auth.DelegationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load delegation: %w", err)
	}
	if d == nil {
		return &delegation.RunValidation{Valid: false, Reason: models.ReasonDelegationNotFound}, nil
	}
	if d.AgentID != auth.AgentID {
		return &delegation.RunValidation{Valid: false, Reason: models.ReasonAgentIDMismatch}, nil
	}

	if !amount.IsPositive(auth.Amount) {
		return &delegation.RunValidation{Valid: false, Reason: models.ReasonInvalidAmount}, nil
	}

	return s.registry.ValidateForRun(auth.DelegationID, auth.Action, auth.Amount, auth.Token)
}

// Consume validates the authorization, claims its nonce, and consumes the
// amount from the delegation's allowance, returning evidence that snapshots
// the remaining allowance immediately after consumption. A nonce is burned
// only by a successful consumption: if the allowance deduction fails after
// the claim, the nonce is released so a corrected retry can reuse it.
// Mirror failures do not revert the consumption; the evidence transaction
// hash just stays empty.
func (s *Service) Consume(ctx context.Context, auth *models.SpendAuthorization) (*models.SpendEvidence, error) {
	v, err := s.Validate(auth)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, &delegation.Error{Reason: v.Reason}
	}

	claimed, err := s.store.ClaimSpendNonce(auth.DelegationID, auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to claim spend nonce: %w", err)
	}
	if !claimed {
		return nil, &delegation.Error{Reason: models.ReasonNonceReplay}
	}

	remaining, err := s.registry.Consume(auth.DelegationID, auth.Amount)
	if err != nil {
		if releaseErr := s.store.ReleaseSpendNonce(auth.DelegationID, auth.Nonce); releaseErr != nil {
			s.logger.Error().Err(releaseErr).
				Str("delegation_id", auth.DelegationID).
				Str("nonce", auth.Nonce).
				Msg("Failed to release spend nonce after consumption failure")
		}
		return nil, err
	}

	// Re-read for the cumulative consumed amount and post-consumption nonce
	d, err := s.registry.Get(auth.DelegationID)
	if err != nil || d == nil {
		return nil, fmt.Errorf("failed to reload delegation after consumption: %w", err)
	}

	evidence := &models.SpendEvidence{
		DelegationID:               auth.DelegationID,
		RunID:                      auth.RunID,
		AuthorizedAmount:           auth.Amount,
		ConsumedAmount:             d.ConsumedAmount,
		RemainingAllowanceSnapshot: remaining,
		CreatedAt:                  s.now(),
	}

	txHash, err := s.mirror.Mirror(ctx, d, auth)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("delegation_id", auth.DelegationID).
			Str("run_id", auth.RunID).
			Msg("On-chain consumption mirror failed, evidence stays off-chain")
	} else {
		evidence.ConsumptionTxHash = txHash
	}

	if err := s.store.SaveSpendEvidence(evidence); err != nil {
		return nil, fmt.Errorf("failed to save spend evidence: %w", err)
	}

	s.logger.Info().
		Str("delegation_id", auth.DelegationID).
		Str("run_id", auth.RunID).
		Str("amount", auth.Amount).
		Str("remaining", remaining).
		Msg("Spend authorization consumed")

	return evidence, nil
}

// BuildEvidence constructs an evidence snapshot from current delegation
// state without consuming anything. Used for pre-flight display; nothing is
// persisted. Fails if the delegation does not exist.
func (s *Service) BuildEvidence(delegationID, amt string) (*models.SpendEvidence, error) {
	d, err := s.registry.Get(delegationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load delegation: %w", err)
	}
	if d == nil {
		return nil, &delegation.Error{Reason: models.ReasonDelegationNotFound}
	}

	return &models.SpendEvidence{
		DelegationID:               delegationID,
		AuthorizedAmount:           amt,
		ConsumedAmount:             d.ConsumedAmount,
		RemainingAllowanceSnapshot: d.RemainingAllowance,
		CreatedAt:                  s.now(),
	}, nil
}

// ListEvidence returns the persisted evidence records for a delegation.
func (s *Service) ListEvidence(delegationID string) ([]*models.SpendEvidence, error) {
	return s.store.ListSpendEvidence(delegationID)
}
