package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agent-spend-gateway/pkg/models"
)

// CreateDelegation stores a new delegation row.
// Serializes the allowed-actions set to JSON for storage.
func (g *GatewayDB) CreateDelegation(d *models.Delegation) error {
	actionsJSON, err := json.Marshal(d.AllowedActions)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed actions: %w", err)
	}

	_, err = g.db.Exec(`
		INSERT INTO delegations (id, operator_wallet, agent_id, agent_type, allowed_actions,
			token, max_per_run, total_allowance, consumed_amount, remaining_allowance,
			nonce, valid_from, valid_until, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OperatorWallet, d.AgentID, d.AgentType, string(actionsJSON),
		d.Token, d.MaxPerRun, d.TotalAllowance, d.ConsumedAmount, d.RemainingAllowance,
		d.Nonce, d.ValidFrom, d.ValidUntil, d.Status, d.CreatedAt, d.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert delegation: %w", err)
	}

	return nil
}

// GetDelegation retrieves a delegation by its ID.
// Returns nil if no delegation exists for the ID.
func (g *GatewayDB) GetDelegation(id string) (*models.Delegation, error) {
	row := g.db.QueryRow(`
		SELECT id, operator_wallet, agent_id, agent_type, allowed_actions,
			token, max_per_run, total_allowance, consumed_amount, remaining_allowance,
			nonce, valid_from, valid_until, status, created_at, updated_at
		FROM delegations WHERE id = ?`, id)

	var d models.Delegation
	var actionsJSON string
	var agentType sql.NullString

	err := row.Scan(&d.ID, &d.OperatorWallet, &d.AgentID, &agentType, &actionsJSON,
		&d.Token, &d.MaxPerRun, &d.TotalAllowance, &d.ConsumedAmount, &d.RemainingAllowance,
		&d.Nonce, &d.ValidFrom, &d.ValidUntil, &d.Status, &d.CreatedAt, &d.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delegation: %w", err)
	}

	d.AgentType = agentType.String

	if err := json.Unmarshal([]byte(actionsJSON), &d.AllowedActions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed actions: %w", err)
	}

	return &d, nil
}

// SetDelegationStatus flips a delegation's status. Used by revocation; the
// ownership check happens at the registry layer.
func (g *GatewayDB) SetDelegationStatus(id, status string) error {
	_, err := g.db.Exec(`
		UPDATE delegations SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id)

	if err != nil {
		return fmt.Errorf("failed to set delegation status: %w", err)
	}

	return nil
}

// ApplyConsumption commits one allowance consumption with a compare-and-swap
// on the delegation nonce. Returns true if the update applied; false means a
// concurrent consumption advanced the nonce first and the caller must re-read
// and retry. This keeps check-then-mutate atomic per delegation row.
func (g *GatewayDB) ApplyConsumption(id, consumedAmount, remainingAllowance string, expectedNonce int64) (bool, error) {
	res, err := g.db.Exec(`
		UPDATE delegations
		SET consumed_amount = ?, remaining_allowance = ?, nonce = nonce + 1, updated_at = ?
		WHERE id = ? AND nonce = ?`,
		consumedAmount, remainingAllowance, time.Now(), id, expectedNonce)

	if err != nil {
		return false, fmt.Errorf("failed to apply consumption: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// ClaimSpendNonce marks a spend-authorization nonce as consumed for one
// delegation. Returns false if the nonce was already seen. Nonces are scoped
// per delegation, not globally.
func (g *GatewayDB) ClaimSpendNonce(delegationID, nonce string) (bool, error) {
	res, err := g.db.Exec(`
		INSERT OR IGNORE INTO spend_nonces (delegation_id, nonce, seen_at)
		VALUES (?, ?, ?)`,
		delegationID, nonce, time.Now())

	if err != nil {
		return false, fmt.Errorf("failed to claim spend nonce: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// ReleaseSpendNonce removes a claimed nonce. Called only when consumption
// failed after the claim, so a corrected retry can reuse the nonce.
func (g *GatewayDB) ReleaseSpendNonce(delegationID, nonce string) error {
	_, err := g.db.Exec(`
		DELETE FROM spend_nonces WHERE delegation_id = ? AND nonce = ?`,
		delegationID, nonce)

	if err != nil {
		return fmt.Errorf("failed to release spend nonce: %w", err)
	}

	return nil
}

// CleanupOldSpendNonces deletes nonce records older than the retention
// window. Nonces must outlive the authorizations that carried them.
func (g *GatewayDB) CleanupOldSpendNonces(olderThan time.Time) error {
	_, err := g.db.Exec("DELETE FROM spend_nonces WHERE seen_at < ?", olderThan)
	if err != nil {
		return fmt.Errorf("failed to cleanup old spend nonces: %w", err)
	}
	return nil
}

// SaveSpendEvidence persists an evidence record and fills in its row ID.
func (g *GatewayDB) SaveSpendEvidence(ev *models.SpendEvidence) error {
	res, err := g.db.Exec(`
		INSERT INTO spend_evidence (delegation_id, run_id, authorized_amount, consumed_amount,
			remaining_allowance_snapshot, consumption_tx_hash, settlement_tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.DelegationID, ev.RunID, ev.AuthorizedAmount, ev.ConsumedAmount,
		ev.RemainingAllowanceSnapshot, ev.ConsumptionTxHash, ev.SettlementTxHash, ev.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save spend evidence: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get evidence id: %w", err)
	}
	ev.ID = id

	return nil
}

// ListSpendEvidence retrieves all evidence records for a delegation,
// newest first.
func (g *GatewayDB) ListSpendEvidence(delegationID string) ([]*models.SpendEvidence, error) {
	rows, err := g.db.Query(`
		SELECT id, delegation_id, run_id, authorized_amount, consumed_amount,
			remaining_allowance_snapshot, consumption_tx_hash, settlement_tx_hash, created_at
		FROM spend_evidence WHERE delegation_id = ? ORDER BY created_at DESC`, delegationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query spend evidence: %w", err)
	}
	defer rows.Close()

	var evidence []*models.SpendEvidence
	for rows.Next() {
		var ev models.SpendEvidence
		var runID, consumptionTx, settlementTx sql.NullString

		err := rows.Scan(&ev.ID, &ev.DelegationID, &runID, &ev.AuthorizedAmount,
			&ev.ConsumedAmount, &ev.RemainingAllowanceSnapshot, &consumptionTx,
			&settlementTx, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spend evidence: %w", err)
		}

		ev.RunID = runID.String
		ev.ConsumptionTxHash = consumptionTx.String
		ev.SettlementTxHash = settlementTx.String

		evidence = append(evidence, &ev)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spend evidence: %w", err)
	}

	return evidence, nil
}
