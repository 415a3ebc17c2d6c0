package store

import (
	"context"
	"fmt"
)

// fingerprintDDL is the shared fingerprint column block. Timestamps are
// stored as normalized strings so range predicates compare lexicographically.
const fingerprintDDL = `
	remote_ip VARCHAR(64) NOT NULL DEFAULT '',
	country TEXT NOT NULL DEFAULT '',
	region TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	asn INTEGER NOT NULL DEFAULT 0,
	colo TEXT NOT NULL DEFAULT '',
	http_protocol TEXT NOT NULL DEFAULT '',
	tls_version TEXT NOT NULL DEFAULT '',
	tls_cipher TEXT NOT NULL DEFAULT '',
	bot_score INTEGER NOT NULL DEFAULT 0,
	trust_score INTEGER NOT NULL DEFAULT 0,
	verified_bot BOOLEAN NOT NULL DEFAULT FALSE,
	js_detection BOOLEAN NOT NULL DEFAULT FALSE,
	detection_ids TEXT NOT NULL DEFAULT '[]',
	ja3_hash VARCHAR(64) NOT NULL DEFAULT '',
	ja4 VARCHAR(64) NOT NULL DEFAULT '',
	ja4_signals TEXT NOT NULL DEFAULT '{}',
	user_agent TEXT NOT NULL DEFAULT '',
	client_tcp_rtt INTEGER NOT NULL DEFAULT 0,
	header_fp_hash VARCHAR(64) NOT NULL DEFAULT ''`

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS submissions (
	id VARCHAR(36) PRIMARY KEY,
	created_at VARCHAR(19) NOT NULL,
	first_name TEXT NOT NULL,
	last_name TEXT NOT NULL,
	email VARCHAR(100) NOT NULL,
	phone TEXT,
	address TEXT,
	date_of_birth TEXT,
	ephemeral_id VARCHAR(128),` + fingerprintDDL + `
)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_created_at ON submissions (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_ephemeral_id ON submissions (ephemeral_id)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_remote_ip ON submissions (remote_ip)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_email ON submissions (email)`,

	`CREATE TABLE IF NOT EXISTS turnstile_validations (
	id VARCHAR(36) PRIMARY KEY,
	token_hash VARCHAR(64) NOT NULL UNIQUE,
	success BOOLEAN NOT NULL DEFAULT FALSE,
	allowed BOOLEAN NOT NULL DEFAULT FALSE,
	block_reason TEXT,
	challenge_ts TEXT,
	hostname TEXT,
	action TEXT,
	ephemeral_id VARCHAR(128),
	risk_score REAL NOT NULL DEFAULT 0,
	error_codes TEXT NOT NULL DEFAULT '[]',
	submission_id VARCHAR(36),
	created_at VARCHAR(19) NOT NULL,` + fingerprintDDL + `
)`,
	`CREATE INDEX IF NOT EXISTS idx_validations_created_at ON turnstile_validations (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_validations_ephemeral_id ON turnstile_validations (ephemeral_id)`,
	`CREATE INDEX IF NOT EXISTS idx_validations_remote_ip ON turnstile_validations (remote_ip)`,

	`CREATE TABLE IF NOT EXISTS blacklist (
	id VARCHAR(36) PRIMARY KEY,
	ephemeral_id VARCHAR(128),
	ip_address VARCHAR(64),
	block_reason TEXT NOT NULL,
	confidence TEXT NOT NULL,
	blocked_at VARCHAR(19) NOT NULL,
	expires_at VARCHAR(19) NOT NULL,
	offense_count INTEGER NOT NULL DEFAULT 1,
	detection_metadata TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_blacklist_ephemeral_id ON blacklist (ephemeral_id)`,
	`CREATE INDEX IF NOT EXISTS idx_blacklist_ip_address ON blacklist (ip_address)`,
	`CREATE INDEX IF NOT EXISTS idx_blacklist_expires_at ON blacklist (expires_at)`,
}

// Migrate creates the three tables and their indexes.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
