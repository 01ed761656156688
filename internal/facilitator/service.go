// Package facilitator implements the payment protocol core: challenge
// issuance, payment verification, idempotent settlement, and the
// payment-required gate in front of billable actions.
package facilitator

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agent-spend-gateway/internal/spend"
	"agent-spend-gateway/pkg/api"
	"agent-spend-gateway/pkg/challenge"
	"agent-spend-gateway/pkg/config"
	"agent-spend-gateway/pkg/db"
	"agent-spend-gateway/pkg/delegation"
	"agent-spend-gateway/pkg/logger"
	"agent-spend-gateway/pkg/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Request headers carrying the payment protocol state on retries of a
// protected action, and the response header echoing a fresh challenge.
const (
	HeaderPaymentChallenge = "X-Payment-Challenge"
	HeaderPayment          = "X-Payment"
)

// Service wires the issuer, ledger, delegation registry, and spend service
// behind the facilitator's HTTP surface.
type Service struct {
	config   *config.Config
	db       *db.GatewayDB
	issuer   *challenge.Issuer
	ledger   *Ledger
	registry *delegation.Registry
	spend    *spend.Service
}

// NewService creates the facilitator service.
func NewService(cfg *config.Config, database *db.GatewayDB, issuer *challenge.Issuer, ledger *Ledger, registry *delegation.Registry, spendSvc *spend.Service) *Service {
	return &Service{
		config:   cfg,
		db:       database,
		issuer:   issuer,
		ledger:   ledger,
		registry: registry,
		spend:    spendSvc,
	}
}

// HandleIssueChallenge mints a signed payment challenge.
// The challenge is returned in the body and echoed base64-encoded in the
// X-Payment-Challenge response header for pipelining.
func (s *Service) HandleIssueChallenge(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	lg := logger.WithRequestID(requestID)

	var req models.ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		lg.Error().Err(err).Msg("Failed to decode challenge request")
		api.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", requestID)
		return
	}

	if req.TTLSeconds <= 0 {
		req.TTLSeconds = s.config.ChallengeTTLSeconds
	}

	ch, err := s.issuer.Issue(&req)
	if err != nil {
		lg.Error().Err(err).Msg("Challenge issuance rejected")
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), requestID)
		return
	}

	chLog := logger.WithChallengeID(ch.ChallengeID)
	chLog.Info().
		Str("recipient", ch.Recipient).
		Int64("expires_at", ch.ExpiresAt).
		Msg("Challenge issued")

	w.Header().Set(HeaderPaymentChallenge, encodeHeader(ch))
	s.writeJSON(w, http.StatusOK, models.ChallengeResponse{Challenge: ch})
}

// HandleVerify dry-runs a payment against its challenge.
func (s *Service) HandleVerify(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	lg := logger.WithRequestID(requestID)

	var req models.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		lg.Error().Err(err).Msg("Failed to decode verify request")
		api.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", requestID)
		return
	}

	resp, err := s.ledger.Verify(req.Payment, req.Challenge)
	if err != nil {
		lg.Error().Err(err).Msg("Verify failed on settlement state read")
		api.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to read settlement state", requestID)
		return
	}

	lg.Info().
		Str("status", resp.Status).
		Str("payment_ref", resp.PaymentRef).
		Str("reason_code", resp.ReasonCode).
		Msg("Payment verified")

	s.writeJSON(w, http.StatusOK, resp)
}

// HandleSettle verifies and commits a payment, idempotently per replay key.
// Every settle call is audited with its headers and body hash.
func (s *Service) HandleSettle(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	lg := logger.WithRequestID(requestID)

	var req models.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		lg.Error().Err(err).Msg("Failed to decode settle request")
		api.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", requestID)
		return
	}

	resp, err := s.ledger.Settle(r.Context(), req.Payment, req.Challenge)
	if err != nil {
		lg.Error().Err(err).Msg("Settle failed on settlement store")
		api.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to commit settlement", requestID)
		return
	}

	s.auditSettle(r, &req, requestID, http.StatusOK)

	replayKey := ""
	if req.Payment != nil {
		replayKey = req.Payment.ReplayKey
	}
	settleLog := logger.WithReplayKey(replayKey)
	settleLog.Info().
		Str("status", resp.Status).
		Str("payment_ref", resp.PaymentRef).
		Str("tx_hash", resp.TxHash).
		Str("reason_code", resp.ReasonCode).
		Msg("Settle processed")

	s.writeJSON(w, http.StatusOK, resp)
}

// PaymentRequired gates a protected billable action. A request without valid
// payment headers receives a 402-style response carrying a freshly issued
// challenge; the caller retries the same action with the challenge and a
// payment envelope attached, and the action proceeds only once settlement
// succeeds.
func (s *Service) PaymentRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		lg := logger.WithRequestID(requestID)

		ch, chErr := decodeChallengeHeader(r.Header.Get(HeaderPaymentChallenge))
		env, envErr := decodePaymentHeader(r.Header.Get(HeaderPayment))

		if chErr != nil || envErr != nil || ch == nil || env == nil {
			s.respondPaymentRequired(w, r, requestID)
			return
		}

		resp, err := s.ledger.Settle(r.Context(), env, ch)
		if err != nil {
			lg.Error().Err(err).Msg("Payment gate settle failed on settlement store")
			api.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to commit settlement", requestID)
			return
		}

		if resp.Status != models.SettlementSettled {
			lg.Info().
				Str("status", resp.Status).
				Str("reason_code", resp.ReasonCode).
				Msg("Payment gate rejected request")
			s.respondPaymentRequired(w, r, requestID)
			return
		}

		// Hand the settlement reference to the gated handler
		r.Header.Set("X-Payment-Ref", resp.PaymentRef)
		next.ServeHTTP(w, r)
	})
}

// respondPaymentRequired issues a fresh challenge bound to the requested
// resource and returns it with a 402 status.
func (s *Service) respondPaymentRequired(w http.ResponseWriter, r *http.Request, requestID string) {
	resource, _ := json.Marshal(map[string]string{
		"method": r.Method,
		"path":   r.URL.EscapedPath(),
	})

	ch, err := s.issuer.Issue(&models.ChallengeRequest{
		Recipient: s.config.FacilitatorID,
		Context:   json.RawMessage(resource),
	})
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "ISSUE_ERROR", "Failed to issue challenge", requestID)
		return
	}

	w.Header().Set(HeaderPaymentChallenge, encodeHeader(ch))
	s.writeJSON(w, http.StatusPaymentRequired, models.PaymentRequiredResponse{
		Error:     "payment required",
		Challenge: ch,
	})
}

// HandleRun executes a billable run once its spend authorization is
// consumed. Payment has already been settled by the PaymentRequired gate.
func (s *Service) HandleRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action := vars["action"]
	requestID := r.Header.Get("X-Request-ID")
	lg := logger.WithRequestID(requestID)

	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		lg.Error().Err(err).Msg("Failed to decode run request")
		api.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", requestID)
		return
	}

	if req.Authorization == nil {
		api.WriteError(w, http.StatusBadRequest, models.ReasonMissingRequiredFields,
			"Spend authorization is required", requestID)
		return
	}

	if req.Authorization.Action != action {
		api.WriteError(w, http.StatusBadRequest, "ACTION_MISMATCH",
			"Authorization action does not match the requested run", requestID)
		return
	}

	if req.Authorization.RunID == "" {
		req.Authorization.RunID = uuid.New().String()
	}

	evidence, err := s.spend.Consume(r.Context(), req.Authorization)
	if err != nil {
		if reason := delegation.Reason(err); reason != "" {
			lg.Info().
				Str("delegation_id", req.Authorization.DelegationID).
				Str("reason", reason).
				Msg("Run blocked by spend authorization")
			api.WriteError(w, http.StatusForbidden, reason, "Spend authorization rejected", requestID)
			return
		}
		lg.Error().Err(err).Msg("Spend consumption failed")
		api.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to consume spend authorization", requestID)
		return
	}

	lg.Info().
		Str("run_id", req.Authorization.RunID).
		Str("action", action).
		Str("delegation_id", req.Authorization.DelegationID).
		Msg("Billable run authorized")

	s.writeJSON(w, http.StatusOK, models.RunResponse{
		RunID:      req.Authorization.RunID,
		Action:     action,
		PaymentRef: r.Header.Get("X-Payment-Ref"),
		Evidence:   evidence,
	})
}

// HandleCreateDelegation creates a new delegation for an operator.
func (s *Service) HandleCreateDelegation(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	lg := logger.WithRequestID(requestID)

	var req models.CreateDelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		lg.Error().Err(err).Msg("Failed to decode delegation request")
		api.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", requestID)
		return
	}

	d, err := s.registry.Create(req.OperatorWallet, &req.Spec)
	if err != nil {
		if reason := delegation.Reason(err); reason != "" {
			api.WriteError(w, http.StatusBadRequest, reason, "Invalid delegation spec", requestID)
			return
		}
		lg.Error().Err(err).Msg("Failed to create delegation")
		api.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to create delegation", requestID)
		return
	}

	lg.Info().
		Str("delegation_id", d.ID).
		Str("agent_id", d.AgentID).
		Str("total_allowance", d.TotalAllowance).
		Msg("Delegation created")

	s.writeJSON(w, http.StatusCreated, d)
}

// HandleGetDelegation returns a delegation by ID.
func (s *Service) HandleGetDelegation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	requestID := r.Header.Get("X-Request-ID")

	d, err := s.registry.Get(vars["delegation_id"])
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to load delegation", requestID)
		return
	}
	if d == nil {
		api.WriteError(w, http.StatusNotFound, models.ReasonDelegationNotFound, "Delegation not found", requestID)
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}

// HandleRevokeDelegation revokes a delegation on behalf of its operator.
// Revocation by a non-owner is indistinguishable from a missing delegation.
func (s *Service) HandleRevokeDelegation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	requestID := r.Header.Get("X-Request-ID")
	lg := logger.WithRequestID(requestID)

	var req models.RevokeDelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", requestID)
		return
	}

	d, err := s.registry.Revoke(vars["delegation_id"], req.OperatorWallet)
	if err != nil {
		lg.Error().Err(err).Msg("Failed to revoke delegation")
		api.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to revoke delegation", requestID)
		return
	}
	if d == nil {
		api.WriteError(w, http.StatusNotFound, models.ReasonDelegationNotFound, "Delegation not found", requestID)
		return
	}

	dlog := logger.WithDelegationID(d.ID)
	dlog.Info().Str("operator_wallet", req.OperatorWallet).Msg("Delegation revoked")
	s.writeJSON(w, http.StatusOK, d)
}

// HandleListEvidence returns the spend evidence records for a delegation.
func (s *Service) HandleListEvidence(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	requestID := r.Header.Get("X-Request-ID")

	evidence, err := s.spend.ListEvidence(vars["delegation_id"])
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "Failed to list evidence", requestID)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"delegation_id": vars["delegation_id"],
		"evidence":      evidence,
	})
}

// auditSettle stores the audit trail of one settle call. Audit failures are
// logged but never fail the request.
func (s *Service) auditSettle(r *http.Request, req *models.SettleRequest, requestID string, statusCode int) {
	replayKey := ""
	if req.Payment != nil {
		replayKey = req.Payment.ReplayKey
	}

	body, _ := json.Marshal(req)
	bodyHash := sha256.Sum256(body)
	headers, _ := json.Marshal(r.Header)

	audit := &models.SettleAudit{
		ReplayKey:  replayKey,
		RequestID:  requestID,
		Headers:    string(headers),
		BodyHash:   hex.EncodeToString(bodyHash[:]),
		StatusCode: statusCode,
		CreatedAt:  time.Now(),
	}

	if err := s.db.SaveSettleAudit(audit); err != nil {
		lg := logger.WithRequestID(requestID)
		lg.Error().Err(err).Msg("Failed to save settle audit")
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// encodeHeader serializes a challenge for header transport.
func encodeHeader(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// decodeChallengeHeader parses a base64-encoded challenge header.
func decodeChallengeHeader(value string) (*models.PaymentChallenge, error) {
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("missing challenge header")
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid challenge header encoding: %w", err)
	}

	var ch models.PaymentChallenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("invalid challenge header payload: %w", err)
	}

	return &ch, nil
}

// decodePaymentHeader parses a base64-encoded payment envelope header.
func decodePaymentHeader(value string) (*models.PaymentEnvelope, error) {
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("missing payment header")
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header encoding: %w", err)
	}

	var env models.PaymentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid payment header payload: %w", err)
	}

	return &env, nil
}
