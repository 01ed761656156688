// Package db provides the database access layer for the Agent Spend Gateway.
// Implements SQLite-based storage for settlement records, delegations, spend
// nonces, and evidence. All mutations touch single rows by primary key; the
// atomic primitives the protocol relies on are INSERT OR IGNORE claims and
// compare-and-swap updates guarded by the delegation nonce.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// GatewayDB provides database operations for the facilitator service.
// Manages settlement records, delegations, spend-nonce tracking, evidence,
// and settle-call audits.
type GatewayDB struct {
	db *sql.DB // SQLite database connection
}

// NewGatewayDB creates and initializes a new gateway database instance.
// Opens SQLite connection, enables WAL mode for better concurrency, and
// creates required tables.
func NewGatewayDB(dbPath string) (*GatewayDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access and set busy timeout
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	gdb := &GatewayDB{db: db}
	if err := gdb.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return gdb, nil
}

// createTables initializes all required database tables for gateway operations.
func (g *GatewayDB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS settlements (
			replay_key TEXT PRIMARY KEY,
			payment_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			tx_hash TEXT,
			reason_code TEXT,
			network TEXT,
			payer TEXT,
			amount TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS settle_audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			replay_key TEXT NOT NULL,
			request_id TEXT NOT NULL,
			headers TEXT,
			body_hash TEXT,
			status_code INTEGER,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS delegations (
			id TEXT PRIMARY KEY,
			operator_wallet TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			agent_type TEXT,
			allowed_actions TEXT NOT NULL,
			token TEXT NOT NULL,
			max_per_run TEXT NOT NULL,
			total_allowance TEXT NOT NULL,
			consumed_amount TEXT NOT NULL,
			remaining_allowance TEXT NOT NULL,
			nonce INTEGER NOT NULL DEFAULT 0,
			valid_from INTEGER NOT NULL,
			valid_until INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS spend_nonces (
			delegation_id TEXT NOT NULL,
			nonce TEXT NOT NULL,
			seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (delegation_id, nonce)
		)`,
		`CREATE TABLE IF NOT EXISTS spend_evidence (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			delegation_id TEXT NOT NULL,
			run_id TEXT,
			authorized_amount TEXT NOT NULL,
			consumed_amount TEXT NOT NULL,
			remaining_allowance_snapshot TEXT NOT NULL,
			consumption_tx_hash TEXT,
			settlement_tx_hash TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (delegation_id) REFERENCES delegations(id)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_settle_audits_key_created ON settle_audits(replay_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS ix_spend_nonces_seen_at ON spend_nonces(seen_at)`,
		`CREATE INDEX IF NOT EXISTS ix_spend_evidence_delegation ON spend_evidence(delegation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS ix_delegations_agent ON delegations(agent_id)`,
	}

	for _, query := range queries {
		if _, err := g.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}

// Ping verifies database connectivity for readiness probes.
func (g *GatewayDB) Ping() error {
	return g.db.Ping()
}

func (g *GatewayDB) Close() error {
	return g.db.Close()
}
