// Package challenge provides issuance and HMAC-SHA256 signing of payment
// challenges for the Agent Spend Gateway. A challenge is self-describing and
// self-verifying: the MAC covers the canonical field tuple, so no issuance
// state needs to be persisted and any mutation is tamper-evident.
package challenge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"agent-spend-gateway/pkg/models"

	"github.com/google/uuid"
)

const (
	// DefaultTTLSeconds is the challenge lifetime applied when the caller
	// does not request one.
	DefaultTTLSeconds = 300

	// MaxTTLSeconds caps caller-requested challenge lifetimes.
	MaxTTLSeconds = 3600
)

// Signer computes and verifies the MAC over a challenge's canonical tuple
// using a server-held symmetric secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer keyed by the facilitator's secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// CanonicalString builds the ordered tuple representation of a challenge for
// signing. Every field except the signature itself participates, in a fixed
// order, so independent implementations produce identical MACs.
func CanonicalString(ch *models.PaymentChallenge) string {
	return strings.Join([]string{
		strconv.Itoa(ch.Version),
		ch.Scheme,
		ch.ChallengeID,
		ch.Network,
		ch.Token,
		ch.MinAmount,
		ch.Recipient,
		ch.ContextHash,
		strconv.FormatInt(ch.ExpiresAt, 10),
		ch.Facilitator,
	}, "\n")
}

// Sign computes the hex-encoded HMAC-SHA256 of the challenge's canonical tuple.
func (s *Signer) Sign(ch *models.PaymentChallenge) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(CanonicalString(ch)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the challenge MAC and compares it to the stored
// signature using a constant-time comparison. Any field mutation, or a
// signature produced under a different secret, fails verification. The
// protocol does not distinguish corrupted from forged.
func (s *Signer) Verify(ch *models.PaymentChallenge) error {
	expected := s.Sign(ch)
	if !hmac.Equal([]byte(expected), []byte(ch.Signature)) {
		return fmt.Errorf("challenge signature mismatch")
	}
	return nil
}

// ContextHash computes the digest of a caller-supplied context object.
// The context is decoded and re-encoded before hashing so that key order in
// the caller's serialization does not change the digest. A missing context
// hashes as the empty object.
func ContextHash(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("invalid context: %w", err)
	}

	// encoding/json emits map keys in sorted order, which canonicalizes
	// object key ordering.
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize context: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Issuer mints signed payment challenges. It holds the facilitator identity
// and the network/token defaults applied when a request omits them.
type Issuer struct {
	signer         *Signer
	facilitator    string
	defaultNetwork string
	defaultToken   string
	defaultAmount  string
	now            func() time.Time
}

// NewIssuer creates an issuer with the given signer, facilitator identity,
// and defaults for network, token, and minimum amount.
func NewIssuer(signer *Signer, facilitator, network, token, minAmount string) *Issuer {
	return &Issuer{
		signer:         signer,
		facilitator:    facilitator,
		defaultNetwork: network,
		defaultToken:   token,
		defaultAmount:  minAmount,
		now:            time.Now,
	}
}

// WithClock overrides the issuer's time source. Used by tests to issue
// challenges at a fixed instant.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue mints a signed challenge for the requested recipient. The challenge
// ID is a fresh UUID, collision-free even under concurrent issuance bursts.
// Fails only on a missing recipient or an uncanonicalizable context.
func (i *Issuer) Issue(req *models.ChallengeRequest) (*models.PaymentChallenge, error) {
	if req == nil || strings.TrimSpace(req.Recipient) == "" {
		return nil, fmt.Errorf("recipient is required")
	}

	contextHash, err := ContextHash(req.Context)
	if err != nil {
		return nil, err
	}

	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = DefaultTTLSeconds
	}
	if ttl > MaxTTLSeconds {
		ttl = MaxTTLSeconds
	}

	network := req.Network
	if network == "" {
		network = i.defaultNetwork
	}

	token := req.Token
	if token == "" {
		token = i.defaultToken
	}

	minAmount := req.MinAmount
	if minAmount == "" {
		minAmount = i.defaultAmount
	}

	ch := &models.PaymentChallenge{
		ChallengeID: uuid.New().String(),
		Version:     models.ProtocolVersion,
		Scheme:      models.SchemeExact,
		Network:     network,
		Token:       token,
		MinAmount:   minAmount,
		Recipient:   req.Recipient,
		ContextHash: contextHash,
		ExpiresAt:   i.now().Add(time.Duration(ttl) * time.Second).Unix(),
		Facilitator: i.facilitator,
	}
	ch.Signature = i.signer.Sign(ch)

	return ch, nil
}
