package store

import (
	"context"
	"fmt"
	"time"
)

// ValidationStore persists CAPTCHA validation attempts and serves the
// window aggregates the signal collector reads.
type ValidationStore struct {
	db *DB
}

// NewValidationStore returns a store over db.
func NewValidationStore(db *DB) *ValidationStore {
	return &ValidationStore{db: db}
}

const validationCols = `id, token_hash, success, allowed, block_reason, challenge_ts, hostname, action,
	ephemeral_id, risk_score, error_codes, submission_id, created_at,
	remote_ip, country, region, city, asn, colo, http_protocol, tls_version, tls_cipher,
	bot_score, trust_score, verified_bot, js_detection, detection_ids, ja3_hash, ja4, ja4_signals,
	user_agent, client_tcp_rtt, header_fp_hash`

// Insert writes a validation row. The unique token_hash index serializes
// admission across requests sharing a token; a duplicate insert returns
// ErrDuplicateToken.
func (s *ValidationStore) Insert(ctx context.Context, v *Validation) error {
	query := s.db.q(`INSERT INTO turnstile_validations (` + validationCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		v.ID, v.TokenHash, v.Success, v.Allowed, v.BlockReason, v.ChallengeTS,
		v.Hostname, v.Action, v.EphemeralID, v.RiskScore, v.ErrorCodes,
		v.SubmissionID, v.CreatedAt,
		v.RemoteIP, v.Country, v.Region, v.City, v.ASN, v.Colo,
		v.HTTPProtocol, v.TLSVersion, v.TLSCipher,
		v.BotScore, v.TrustScore, v.VerifiedBot, v.JSDetection,
		v.DetectionIDs, v.JA3Hash, v.JA4, v.JA4Signals,
		v.UserAgent, v.ClientTCPRtt, v.HeaderFPHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("store: insert validation: %w", err)
	}
	return nil
}

// TokenSeen reports whether the token hash already appears in the table.
func (s *ValidationStore) TokenSeen(ctx context.Context, tokenHash string) (bool, error) {
	var n int
	query := s.db.q(`SELECT COUNT(*) FROM turnstile_validations WHERE token_hash = ?`)
	if err := s.db.GetContext(ctx, &n, query, tokenHash); err != nil {
		return false, fmt.Errorf("store: token lookup: %w", err)
	}
	return n >= 1, nil
}

// CountByEphemeralID counts validation attempts for a device ID since the
// window start.
func (s *ValidationStore) CountByEphemeralID(ctx context.Context, ephemeralID string, since time.Time) (int, error) {
	var n int
	query := s.db.q(`SELECT COUNT(*) FROM turnstile_validations WHERE ephemeral_id = ? AND created_at >= ?`)
	if err := s.db.GetContext(ctx, &n, query, ephemeralID, SQLTime(since)); err != nil {
		return 0, fmt.Errorf("store: count validations by device: %w", err)
	}
	return n, nil
}

// CountUniqueIPs counts distinct remote addresses seen for a device ID
// across both event tables since the window start.
func (s *ValidationStore) CountUniqueIPs(ctx context.Context, ephemeralID string, since time.Time) (int, error) {
	var n int
	query := s.db.q(`SELECT COUNT(DISTINCT remote_ip) FROM (
		SELECT remote_ip FROM submissions WHERE ephemeral_id = ? AND created_at >= ?
		UNION ALL
		SELECT remote_ip FROM turnstile_validations WHERE ephemeral_id = ? AND created_at >= ?
	) AS combined`)
	ts := SQLTime(since)
	if err := s.db.GetContext(ctx, &n, query, ephemeralID, ts, ephemeralID, ts); err != nil {
		return 0, fmt.Errorf("store: unique ip count: %w", err)
	}
	return n, nil
}

// JA4Observation is one fingerprint sighting in the window.
type JA4Observation struct {
	JA4       string `db:"ja4"`
	CreatedAt string `db:"created_at"`
}

// JA4Observations returns the ordered JA4 sightings for a device ID or,
// when no device ID is known, for an IP, since the window start.
func (s *ValidationStore) JA4Observations(ctx context.Context, ephemeralID, ip string, since time.Time) ([]JA4Observation, error) {
	var (
		query string
		key   string
	)
	if ephemeralID != "" {
		query = `SELECT ja4, created_at FROM turnstile_validations
			WHERE ephemeral_id = ? AND created_at >= ? AND ja4 != '' ORDER BY created_at`
		key = ephemeralID
	} else {
		query = `SELECT ja4, created_at FROM turnstile_validations
			WHERE remote_ip = ? AND created_at >= ? AND ja4 != '' ORDER BY created_at`
		key = ip
	}
	var out []JA4Observation
	if err := s.db.SelectContext(ctx, &out, s.db.q(query), key, SQLTime(since)); err != nil {
		return nil, fmt.Errorf("store: ja4 observations: %w", err)
	}
	return out, nil
}

// HeaderFPReuse counts the distinct IPs and distinct JA4s that presented
// the same header-stack hash since the window start.
func (s *ValidationStore) HeaderFPReuse(ctx context.Context, headerFPHash string, since time.Time) (ips, ja4s int, err error) {
	row := struct {
		IPs  int `db:"ips"`
		JA4s int `db:"ja4s"`
	}{}
	query := s.db.q(`SELECT COUNT(DISTINCT remote_ip) AS ips, COUNT(DISTINCT ja4) AS ja4s
		FROM turnstile_validations WHERE header_fp_hash = ? AND created_at >= ?`)
	if err := s.db.GetContext(ctx, &row, query, headerFPHash, SQLTime(since)); err != nil {
		return 0, 0, fmt.Errorf("store: header fingerprint reuse: %w", err)
	}
	return row.IPs, row.JA4s, nil
}

// TLSComboSeen reports whether a JA4 has prior sightings in the window and
// whether any of them carried the given TLS version/cipher pair.
func (s *ValidationStore) TLSComboSeen(ctx context.Context, ja4, tlsVersion, tlsCipher string, since time.Time) (prior, matched bool, err error) {
	row := struct {
		Prior   int `db:"prior"`
		Matched int `db:"matched"`
	}{}
	query := s.db.q(`SELECT COUNT(*) AS prior,
		COALESCE(SUM(CASE WHEN tls_version = ? AND tls_cipher = ? THEN 1 ELSE 0 END), 0) AS matched
		FROM turnstile_validations WHERE ja4 = ? AND created_at >= ?`)
	if err := s.db.GetContext(ctx, &row, query, tlsVersion, tlsCipher, ja4, SQLTime(since)); err != nil {
		return false, false, fmt.Errorf("store: tls combo lookup: %w", err)
	}
	return row.Prior > 0, row.Matched > 0, nil
}

// DeleteBefore removes validation rows created before the cutoff. Used by
// the retention sweeper only.
func (s *ValidationStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.q(`DELETE FROM turnstile_validations WHERE created_at < ?`), SQLTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: prune validations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
