// Package models defines data structures for the Agent Spend Gateway.
// This package contains the payment protocol wire types, delegation and
// spend-authorization records, and the reason-code taxonomy shared by the
// facilitator and spend services.
package models

import (
	"encoding/json"
	"time"
)

// Protocol constants

const (
	// ProtocolVersion is the payment protocol version carried by every
	// challenge and payment envelope.
	ProtocolVersion = 1

	// SchemeExact is the fixed scheme identifier for this protocol: the payer
	// commits to an exact transfer matching the challenge terms.
	SchemeExact = "exact"

	// PaymentRefPrefix prefixes every settlement reference so downstream
	// systems can join on it without calling back into the gateway.
	PaymentRefPrefix = "pay_"
)

// PaymentRef derives the stable settlement reference for a replay key.
// The mapping is deterministic so callers can predict it before settling.
func PaymentRef(replayKey string) string {
	return PaymentRefPrefix + replayKey
}

// Payment protocol reason codes. All are terminal; a rejected payment is
// never retryable under the same envelope.
const (
	ReasonInvalidPayload  = "INVALID_PAYLOAD"  // malformed input or signature mismatch
	ReasonExpiredPayment  = "EXPIRED_PAYMENT"  // challenge or payment past its expiry
	ReasonContextMismatch = "CONTEXT_MISMATCH" // payment context hash differs from challenge
	ReasonReplayDetected  = "REPLAY_DETECTED"  // replay key already settled
)

// Delegation and spend-authorization reason codes.
const (
	ReasonDelegationNotFound     = "delegation_not_found"
	ReasonDelegationRevoked      = "delegation_revoked"
	ReasonDelegationExpired      = "delegation_expired"
	ReasonDelegationNotActive    = "delegation_not_active"
	ReasonDelegationNotYetActive = "delegation_not_yet_active"
	ReasonExceedsMaxPerRun       = "exceeds_max_per_run"
	ReasonInsufficientAllowance  = "insufficient_allowance"
	ReasonActionNotAllowed       = "action_not_allowed"
	ReasonTokenMismatch          = "token_mismatch"
	ReasonNonceReplay            = "nonce_replay"
	ReasonSpendAuthExpired       = "spend_auth_expired"
	ReasonAgentIDMismatch        = "agent_id_mismatch"
	ReasonInvalidAmount          = "invalid_amount"
	ReasonMissingRequiredFields  = "missing_required_fields"
)

// Settlement outcome states.
const (
	SettlementSettled  = "settled"  // funds moved, tx hash present
	SettlementPending  = "pending"  // submitted, awaiting confirmation
	SettlementFailed   = "failed"   // submission or confirmation error
	SettlementRejected = "rejected" // validation failure, nothing moved
)

// Verify outcome states.
const (
	VerifyAccepted = "accepted"
	VerifyRejected = "rejected"
)

// Delegation status values. Expiry is not a status: time bounds are checked
// independently on every operation.
const (
	DelegationActive  = "active"
	DelegationRevoked = "revoked"
)

// Payment protocol models

// PaymentChallenge is a signed, time-boxed statement of what payment is
// required for a given action context. Challenges are immutable once issued;
// the signature covers every other field, so any mutation invalidates it.
type PaymentChallenge struct {
	ChallengeID string `json:"challenge_id"` // Globally unique challenge identifier
	Version     int    `json:"version"`      // Protocol version
	Scheme      string `json:"scheme"`       // Fixed protocol scheme identifier
	Network     string `json:"network"`      // Target network identifier
	Token       string `json:"token"`        // Token the payment must use
	MinAmount   string `json:"min_amount"`   // Minimum amount (decimal string)
	Recipient   string `json:"recipient"`    // Address the payment must reach
	ContextHash string `json:"context_hash"` // Digest of the caller-supplied context
	ExpiresAt   int64  `json:"expires_at"`   // Unix seconds after which the challenge is dead
	Facilitator string `json:"facilitator"`  // Issuer identity
	Signature   string `json:"signature"`    // MAC over the canonical field set
}

// PaymentEnvelope is a caller-submitted claim that a challenge has been paid.
// ContextHash and ExpiresAt must equal the referenced challenge's values.
type PaymentEnvelope struct {
	Version     int    `json:"version"`      // Protocol version
	Scheme      string `json:"scheme"`       // Must match the challenge scheme
	ChallengeID string `json:"challenge_id"` // Challenge this payment answers
	Payer       string `json:"payer"`        // Paying address
	Token       string `json:"token"`        // Token used for payment
	Amount      string `json:"amount"`       // Amount paid (decimal string)
	Proof       string `json:"proof"`        // Opaque attestation interpreted by the settlement backend
	ReplayKey   string `json:"replay_key"`   // Caller-chosen idempotency key, unique per intended payment
	ContextHash string `json:"context_hash"` // Copied from the challenge
	ExpiresAt   int64  `json:"expires_at"`   // Copied from the challenge
	Nonce       string `json:"nonce"`        // Envelope nonce
	CreatedAt   int64  `json:"created_at"`   // Unix seconds the envelope was built
}

// SettlementRecord fixes the settlement outcome for one replay key. It is
// created at most once per key; every later settle attempt with the same key
// returns the stored record unchanged.
type SettlementRecord struct {
	ReplayKey  string    `json:"replay_key" db:"replay_key"`   // Idempotency key, primary key
	PaymentRef string    `json:"payment_ref" db:"payment_ref"` // Always pay_<replayKey>
	Status     string    `json:"status" db:"status"`           // settled, pending, failed, or rejected
	TxHash     string    `json:"tx_hash,omitempty" db:"tx_hash"`
	ReasonCode string    `json:"reason_code,omitempty" db:"reason_code"`
	Network    string    `json:"network,omitempty" db:"network"`
	Payer      string    `json:"payer,omitempty" db:"payer"`
	Amount     string    `json:"amount,omitempty" db:"amount"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// SettleAudit records one settle call for audit and security analysis,
// independent of the settlement outcome itself.
type SettleAudit struct {
	ID         int64     `json:"id" db:"id"`                   // Auto-increment primary key
	ReplayKey  string    `json:"replay_key" db:"replay_key"`   // Replay key of the attempted payment
	RequestID  string    `json:"request_id" db:"request_id"`   // X-Request-ID for correlation
	Headers    string    `json:"headers" db:"headers"`         // Serialized request headers
	BodyHash   string    `json:"body_hash" db:"body_hash"`     // SHA-256 hash of the request body
	StatusCode int       `json:"status_code" db:"status_code"` // HTTP response status code
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Delegation models

// Delegation is an operator-issued, time-boxed, capped spending grant to an
// agent for specific actions and one token. Delegations are never deleted;
// revocation is a one-way status flip.
type Delegation struct {
	ID                 string    `json:"id" db:"id"`
	OperatorWallet     string    `json:"operator_wallet" db:"operator_wallet"`
	AgentID            string    `json:"agent_id" db:"agent_id"`
	AgentType          string    `json:"agent_type" db:"agent_type"`
	AllowedActions     []string  `json:"allowed_actions" db:"allowed_actions"`
	Token              string    `json:"token" db:"token"`
	MaxPerRun          string    `json:"max_per_run" db:"max_per_run"`                 // Per-run cap (decimal string)
	TotalAllowance     string    `json:"total_allowance" db:"total_allowance"`         // Lifetime cap (decimal string)
	ConsumedAmount     string    `json:"consumed_amount" db:"consumed_amount"`         // Monotonically non-decreasing
	RemainingAllowance string    `json:"remaining_allowance" db:"remaining_allowance"` // totalAllowance - consumedAmount, never negative
	Nonce              int64     `json:"nonce" db:"nonce"`                             // Incremented on every successful consumption
	ValidFrom          int64     `json:"valid_from" db:"valid_from"`                   // Unix seconds, inclusive
	ValidUntil         int64     `json:"valid_until" db:"valid_until"`                 // Unix seconds, exclusive
	Status             string    `json:"status" db:"status"`                           // active or revoked
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// DelegationSpec is the operator-supplied input for creating a delegation.
type DelegationSpec struct {
	AgentID        string   `json:"agent_id"`
	AgentType      string   `json:"agent_type"`
	AllowedActions []string `json:"allowed_actions"`
	Token          string   `json:"token"`
	MaxPerRun      string   `json:"max_per_run"`
	TotalAllowance string   `json:"total_allowance"`
	ValidFrom      int64    `json:"valid_from"`
	ValidUntil     int64    `json:"valid_until"`
}

// SpendAuthorization is a single-use, per-run claim against a delegation's
// remaining allowance. It exists only as a request payload; its persisted
// trace is the SpendEvidence and the nonce record used to reject reuse.
type SpendAuthorization struct {
	DelegationID string `json:"delegation_id"`
	RunID        string `json:"run_id"`
	AgentID      string `json:"agent_id"`
	Action       string `json:"action"`
	Amount       string `json:"amount"` // Decimal string
	Token        string `json:"token"`
	ExpiresAt    int64  `json:"expires_at"` // Unix seconds
	Nonce        string `json:"nonce"`      // Unique per authorization within its delegation
}

// SpendEvidence is the persisted snapshot proving a spend occurred. The
// transaction hash fields are populated only when consumption was mirrored
// on-chain; off-chain consumption leaves them empty.
type SpendEvidence struct {
	ID                         int64     `json:"id" db:"id"` // Auto-increment primary key
	DelegationID               string    `json:"delegation_id" db:"delegation_id"`
	RunID                      string    `json:"run_id,omitempty" db:"run_id"`
	AuthorizedAmount           string    `json:"authorized_amount" db:"authorized_amount"`
	ConsumedAmount             string    `json:"consumed_amount" db:"consumed_amount"`
	RemainingAllowanceSnapshot string    `json:"remaining_allowance_snapshot" db:"remaining_allowance_snapshot"`
	ConsumptionTxHash          string    `json:"consumption_tx_hash,omitempty" db:"consumption_tx_hash"`
	SettlementTxHash           string    `json:"settlement_tx_hash,omitempty" db:"settlement_tx_hash"`
	CreatedAt                  time.Time `json:"created_at" db:"created_at"`
}

// SpendNonce tracks consumed spend-authorization nonces per delegation.
// Each nonce can be consumed once within the retention window.
type SpendNonce struct {
	DelegationID string    `json:"delegation_id" db:"delegation_id"`
	Nonce        string    `json:"nonce" db:"nonce"`
	SeenAt       time.Time `json:"seen_at" db:"seen_at"`
}

// API requests and responses

// ChallengeRequest asks the issuer for a fresh payment challenge.
type ChallengeRequest struct {
	Recipient  string          `json:"recipient"`             // Required payment recipient
	Token      string          `json:"token,omitempty"`       // Token override (defaults from config)
	MinAmount  string          `json:"min_amount,omitempty"`  // Minimum amount override
	Context    json.RawMessage `json:"context,omitempty"`     // Arbitrary caller context, hashed into the challenge
	Network    string          `json:"network,omitempty"`     // Network override
	TTLSeconds int64           `json:"ttl_seconds,omitempty"` // Challenge lifetime override
}

// ChallengeResponse carries a freshly issued challenge.
type ChallengeResponse struct {
	Challenge *PaymentChallenge `json:"challenge"`
}

// VerifyRequest asks the facilitator to dry-run a payment against its
// challenge without committing anything.
type VerifyRequest struct {
	Challenge *PaymentChallenge `json:"challenge"`
	Payment   *PaymentEnvelope  `json:"payment"`
}

// VerifyResponse is the adjudication of a verify call.
type VerifyResponse struct {
	Status     string `json:"status"` // accepted or rejected
	PaymentRef string `json:"payment_ref"`
	ReasonCode string `json:"reason_code,omitempty"`
}

// SettleRequest asks the facilitator to verify and commit a payment.
type SettleRequest struct {
	Challenge *PaymentChallenge `json:"challenge"`
	Payment   *PaymentEnvelope  `json:"payment"`
}

// SettleResponse is the committed settlement outcome for a payment.
type SettleResponse struct {
	Status     string `json:"status"` // settled, pending, failed, or rejected
	PaymentRef string `json:"payment_ref"`
	TxHash     string `json:"tx_hash,omitempty"`
	ReasonCode string `json:"reason_code,omitempty"`
}

// PaymentRequiredResponse is the body of a 402 response from a protected
// billable action. The caller retries with the challenge and a payment
// envelope attached via the payment headers.
type PaymentRequiredResponse struct {
	Error     string            `json:"error"`
	Challenge *PaymentChallenge `json:"challenge"`
}

// CreateDelegationRequest is the operator request for a new delegation.
type CreateDelegationRequest struct {
	OperatorWallet string         `json:"operator_wallet"`
	Spec           DelegationSpec `json:"spec"`
}

// RevokeDelegationRequest identifies the operator revoking a delegation.
type RevokeDelegationRequest struct {
	OperatorWallet string `json:"operator_wallet"`
}

// RunRequest is the body of a billable run invocation: the spend
// authorization gating the run plus an opaque run payload.
type RunRequest struct {
	Authorization *SpendAuthorization `json:"authorization"`
	Payload       json.RawMessage     `json:"payload,omitempty"`
}

// RunResponse reports a gated run that was allowed to execute.
type RunResponse struct {
	RunID      string         `json:"run_id"`
	Action     string         `json:"action"`
	PaymentRef string         `json:"payment_ref,omitempty"`
	Evidence   *SpendEvidence `json:"evidence"`
}

// Error response

// ErrorResponse is the standardized error envelope returned to API clients.
type ErrorResponse struct {
	Error ErrorDetails `json:"error"`
}

// ErrorDetails contains specific error information including codes and messages.
type ErrorDetails struct {
	Code      string `json:"code"`                 // Machine-readable error code
	Message   string `json:"message"`              // Human-readable error description
	RequestID string `json:"request_id,omitempty"` // Request ID for error correlation
}
