package store

import (
	"context"
	"fmt"
	"time"
)

// SubmissionStore persists admitted submissions and serves their
// rolling-window counts.
type SubmissionStore struct {
	db *DB
}

// NewSubmissionStore returns a store over db.
func NewSubmissionStore(db *DB) *SubmissionStore {
	return &SubmissionStore{db: db}
}

const submissionCols = `id, created_at, first_name, last_name, email, phone, address, date_of_birth, ephemeral_id,
	remote_ip, country, region, city, asn, colo, http_protocol, tls_version, tls_cipher,
	bot_score, trust_score, verified_bot, js_detection, detection_ids, ja3_hash, ja4, ja4_signals,
	user_agent, client_tcp_rtt, header_fp_hash`

// Insert writes a submission row. Rows are immutable after insert.
func (s *SubmissionStore) Insert(ctx context.Context, sub *Submission) error {
	query := s.db.q(`INSERT INTO submissions (` + submissionCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		sub.ID, sub.CreatedAt, sub.FirstName, sub.LastName, sub.Email,
		sub.Phone, sub.Address, sub.DateOfBirth, sub.EphemeralID,
		sub.RemoteIP, sub.Country, sub.Region, sub.City, sub.ASN, sub.Colo,
		sub.HTTPProtocol, sub.TLSVersion, sub.TLSCipher,
		sub.BotScore, sub.TrustScore, sub.VerifiedBot, sub.JSDetection,
		sub.DetectionIDs, sub.JA3Hash, sub.JA4, sub.JA4Signals,
		sub.UserAgent, sub.ClientTCPRtt, sub.HeaderFPHash,
	)
	if err != nil {
		return fmt.Errorf("store: insert submission: %w", err)
	}
	return nil
}

// CountByEphemeralID counts submissions for a device ID since the window
// start.
func (s *SubmissionStore) CountByEphemeralID(ctx context.Context, ephemeralID string, since time.Time) (int, error) {
	var n int
	query := s.db.q(`SELECT COUNT(*) FROM submissions WHERE ephemeral_id = ? AND created_at >= ?`)
	if err := s.db.GetContext(ctx, &n, query, ephemeralID, SQLTime(since)); err != nil {
		return 0, fmt.Errorf("store: count submissions by device: %w", err)
	}
	return n, nil
}

// CountByIP counts submissions from an IP since the window start.
func (s *SubmissionStore) CountByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	query := s.db.q(`SELECT COUNT(*) FROM submissions WHERE remote_ip = ? AND created_at >= ?`)
	if err := s.db.GetContext(ctx, &n, query, ip, SQLTime(since)); err != nil {
		return 0, fmt.Errorf("store: count submissions by ip: %w", err)
	}
	return n, nil
}

// CountByEmail counts submissions with the given email address.
func (s *SubmissionStore) CountByEmail(ctx context.Context, email string) (int, error) {
	var n int
	query := s.db.q(`SELECT COUNT(*) FROM submissions WHERE email = ?`)
	if err := s.db.GetContext(ctx, &n, query, email); err != nil {
		return 0, fmt.Errorf("store: count submissions by email: %w", err)
	}
	return n, nil
}
