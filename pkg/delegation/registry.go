// Package delegation implements the spend-delegation registry: scoped,
// metered spending grants issued by an operator to an agent. All allowance
// arithmetic uses arbitrary-precision integers over decimal strings, and
// consumption is serialized per delegation through a nonce-guarded
// compare-and-swap on the store.
package delegation

import (
	"fmt"
	"strings"
	"time"

	"agent-spend-gateway/pkg/amount"
	"agent-spend-gateway/pkg/models"

	"github.com/google/uuid"
)

// maxConsumeRetries bounds the optimistic retry loop when concurrent
// consumptions race on the same delegation.
const maxConsumeRetries = 8

// Store is the persistence surface the registry needs. Implementations must
// make ApplyConsumption atomic per delegation row.
type Store interface {
	CreateDelegation(d *models.Delegation) error
	GetDelegation(id string) (*models.Delegation, error)
	SetDelegationStatus(id, status string) error
	ApplyConsumption(id, consumedAmount, remainingAllowance string, expectedNonce int64) (bool, error)
}

// Error is a tagged rejection from a registry operation. The Reason is drawn
// from the delegation reason-code taxonomy and is safe to return to callers.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// Reason extracts the taxonomy reason from a registry error.
// Returns empty for infrastructure errors, which are not rejections.
func Reason(err error) string {
	if re, ok := err.(*Error); ok {
		return re.Reason
	}
	return ""
}

// RunValidation is the read-only precondition result for building a spend
// authorization against a delegation.
type RunValidation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Registry performs delegation CRUD and balance accounting against a store.
type Registry struct {
	store Store
	now   func() time.Time
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		now:   time.Now,
	}
}

// WithClock overrides the registry's time source for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Create issues a new active delegation from an operator spec.
// The delegation starts with zero consumption, its full allowance remaining,
// and nonce zero.
func (r *Registry) Create(operatorWallet string, spec *models.DelegationSpec) (*models.Delegation, error) {
	if strings.TrimSpace(operatorWallet) == "" || spec == nil || strings.TrimSpace(spec.AgentID) == "" {
		return nil, &Error{Reason: models.ReasonMissingRequiredFields}
	}
	if strings.TrimSpace(spec.Token) == "" || len(spec.AllowedActions) == 0 {
		return nil, &Error{Reason: models.ReasonMissingRequiredFields}
	}

	if !amount.IsPositive(spec.MaxPerRun) || !amount.IsPositive(spec.TotalAllowance) {
		return nil, &Error{Reason: models.ReasonInvalidAmount}
	}

	if spec.ValidUntil <= spec.ValidFrom {
		return nil, &Error{Reason: models.ReasonDelegationExpired}
	}

	now := r.now()
	d := &models.Delegation{
		ID:                 uuid.New().String(),
		OperatorWallet:     operatorWallet,
		AgentID:            spec.AgentID,
		AgentType:          spec.AgentType,
		AllowedActions:     spec.AllowedActions,
		Token:              spec.Token,
		MaxPerRun:          spec.MaxPerRun,
		TotalAllowance:     spec.TotalAllowance,
		ConsumedAmount:     "0",
		RemainingAllowance: spec.TotalAllowance,
		Nonce:              0,
		ValidFrom:          spec.ValidFrom,
		ValidUntil:         spec.ValidUntil,
		Status:             models.DelegationActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := r.store.CreateDelegation(d); err != nil {
		return nil, fmt.Errorf("failed to create delegation: %w", err)
	}

	return d, nil
}

// Get retrieves a delegation by ID. Returns nil if it does not exist.
func (r *Registry) Get(id string) (*models.Delegation, error) {
	return r.store.GetDelegation(id)
}

// Revoke flips a delegation to revoked. Returns nil (no error) if the
// delegation does not exist or the caller is not the owning operator.
// Revoking an already-revoked delegation is idempotent.
func (r *Registry) Revoke(id, operatorWallet string) (*models.Delegation, error) {
	d, err := r.store.GetDelegation(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load delegation: %w", err)
	}
	if d == nil || d.OperatorWallet != operatorWallet {
		return nil, nil
	}

	if d.Status == models.DelegationRevoked {
		return d, nil
	}

	if err := r.store.SetDelegationStatus(id, models.DelegationRevoked); err != nil {
		return nil, fmt.Errorf("failed to revoke delegation: %w", err)
	}

	d.Status = models.DelegationRevoked
	return d, nil
}

// Consume atomically deducts an amount from a delegation's allowance and
// advances its nonce, returning the new remaining balance. Validation order:
// existence, time activity and revocation, per-run cap, remaining allowance.
// On any failure nothing mutates; rejections carry a taxonomy Reason.
// Concurrent consumptions on one delegation serialize through the nonce CAS:
// a lost update re-reads and retries, so two callers can never both pass the
// allowance check and both deduct.
func (r *Registry) Consume(id, amt string) (string, error) {
	if !amount.IsPositive(amt) {
		return "", &Error{Reason: models.ReasonInvalidAmount}
	}

	for attempt := 0; attempt < maxConsumeRetries; attempt++ {
		d, err := r.store.GetDelegation(id)
		if err != nil {
			return "", fmt.Errorf("failed to load delegation: %w", err)
		}
		if d == nil {
			return "", &Error{Reason: models.ReasonDelegationNotFound}
		}

		if reason := r.consumableReason(d, amt); reason != "" {
			return "", &Error{Reason: reason}
		}

		newConsumed, err := amount.Add(d.ConsumedAmount, amt)
		if err != nil {
			return "", fmt.Errorf("consumed amount arithmetic: %w", err)
		}

		newRemaining, err := amount.Sub(d.RemainingAllowance, amt)
		if err != nil {
			return "", fmt.Errorf("remaining allowance arithmetic: %w", err)
		}

		applied, err := r.store.ApplyConsumption(id, newConsumed, newRemaining, d.Nonce)
		if err != nil {
			return "", err
		}
		if applied {
			return newRemaining, nil
		}
		// Lost the nonce race; re-read and retry
	}

	return "", fmt.Errorf("consumption contention on delegation %s", id)
}

// consumableReason checks a delegation's state against one consumption.
// Returns the first failing taxonomy reason, or empty if consumable.
func (r *Registry) consumableReason(d *models.Delegation, amt string) string {
	now := r.now().Unix()

	if d.Status == models.DelegationRevoked {
		return models.ReasonDelegationRevoked
	}
	if now < d.ValidFrom {
		return models.ReasonDelegationNotActive
	}
	if now >= d.ValidUntil {
		return models.ReasonDelegationExpired
	}

	overCap, err := amount.Cmp(amt, d.MaxPerRun)
	if err != nil {
		return models.ReasonInvalidAmount
	}
	if overCap > 0 {
		return models.ReasonExceedsMaxPerRun
	}

	overBalance, err := amount.Cmp(amt, d.RemainingAllowance)
	if err != nil {
		return models.ReasonInvalidAmount
	}
	if overBalance > 0 {
		return models.ReasonInsufficientAllowance
	}

	return ""
}

// ValidateForRun is the read-only precondition check used before building a
// spend authorization: the action must be allowed, the token must match
// case-insensitively, the time window must be active, and the amount must
// respect both caps. Nothing mutates.
func (r *Registry) ValidateForRun(id, action, amt, token string) (*RunValidation, error) {
	d, err := r.store.GetDelegation(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load delegation: %w", err)
	}
	if d == nil {
		return &RunValidation{Valid: false, Reason: models.ReasonDelegationNotFound}, nil
	}

	now := r.now().Unix()

	if d.Status == models.DelegationRevoked {
		return &RunValidation{Valid: false, Reason: models.ReasonDelegationRevoked}, nil
	}
	if now < d.ValidFrom {
		return &RunValidation{Valid: false, Reason: models.ReasonDelegationNotYetActive}, nil
	}
	if now >= d.ValidUntil {
		return &RunValidation{Valid: false, Reason: models.ReasonDelegationExpired}, nil
	}

	if !actionAllowed(d.AllowedActions, action) {
		return &RunValidation{Valid: false, Reason: models.ReasonActionNotAllowed}, nil
	}

	if !strings.EqualFold(d.Token, token) {
		return &RunValidation{Valid: false, Reason: models.ReasonTokenMismatch}, nil
	}

	if !amount.IsPositive(amt) {
		return &RunValidation{Valid: false, Reason: models.ReasonInvalidAmount}, nil
	}

	if overCap, err := amount.Cmp(amt, d.MaxPerRun); err != nil || overCap > 0 {
		return &RunValidation{Valid: false, Reason: models.ReasonExceedsMaxPerRun}, nil
	}

	if overBalance, err := amount.Cmp(amt, d.RemainingAllowance); err != nil || overBalance > 0 {
		return &RunValidation{Valid: false, Reason: models.ReasonInsufficientAllowance}, nil
	}

	return &RunValidation{Valid: true}, nil
}

// actionAllowed reports whether action is in the delegation's allowed set.
func actionAllowed(allowed []string, action string) bool {
	for _, a := range allowed {
		if a == action {
			return true
		}
	}
	return false
}
