package db

import (
	"database/sql"
	"fmt"

	"agent-spend-gateway/pkg/models"
)

// ClaimSettlement attempts to create the settlement record for a replay key.
// Returns true if this caller won the claim, false if a record already
// existed. Concurrent claimants for the same key converge to exactly one
// winner through the primary-key constraint on replay_key.
func (g *GatewayDB) ClaimSettlement(rec *models.SettlementRecord) (bool, error) {
	res, err := g.db.Exec(`
		INSERT OR IGNORE INTO settlements (replay_key, payment_ref, status, tx_hash, reason_code, network, payer, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ReplayKey, rec.PaymentRef, rec.Status, rec.TxHash, rec.ReasonCode,
		rec.Network, rec.Payer, rec.Amount, rec.CreatedAt)

	if err != nil {
		return false, fmt.Errorf("failed to claim settlement: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	// Zero rows affected means the key was already claimed
	return rowsAffected > 0, nil
}

// FinalizeSettlement moves a claimed settlement to its final outcome. Called
// exactly once by the claim winner after the backend has settled (or failed).
func (g *GatewayDB) FinalizeSettlement(replayKey, status, txHash, reasonCode string) error {
	_, err := g.db.Exec(`
		UPDATE settlements SET status = ?, tx_hash = ?, reason_code = ?
		WHERE replay_key = ?`,
		status, txHash, reasonCode, replayKey)

	if err != nil {
		return fmt.Errorf("failed to finalize settlement: %w", err)
	}

	return nil
}

// GetSettlement retrieves the settlement record for a replay key.
// Returns nil if no record exists.
func (g *GatewayDB) GetSettlement(replayKey string) (*models.SettlementRecord, error) {
	row := g.db.QueryRow(`
		SELECT replay_key, payment_ref, status, tx_hash, reason_code, network, payer, amount, created_at
		FROM settlements WHERE replay_key = ?`, replayKey)

	var rec models.SettlementRecord
	var txHash, reasonCode, network, payer, amount sql.NullString

	err := row.Scan(&rec.ReplayKey, &rec.PaymentRef, &rec.Status, &txHash,
		&reasonCode, &network, &payer, &amount, &rec.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}

	rec.TxHash = txHash.String
	rec.ReasonCode = reasonCode.String
	rec.Network = network.String
	rec.Payer = payer.String
	rec.Amount = amount.String

	return &rec, nil
}

// SaveSettleAudit stores audit information for a settle call.
// Used for debugging, monitoring, and security analysis of payment attempts.
func (g *GatewayDB) SaveSettleAudit(audit *models.SettleAudit) error {
	_, err := g.db.Exec(`
		INSERT INTO settle_audits (replay_key, request_id, headers, body_hash, status_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		audit.ReplayKey, audit.RequestID, audit.Headers, audit.BodyHash,
		audit.StatusCode, audit.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save settle audit: %w", err)
	}

	return nil
}
