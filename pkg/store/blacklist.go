package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BlacklistStore persists blacklist entries. Entries are append-only and
// expire logically: a row is active while expires_at > now.
type BlacklistStore struct {
	db *DB
}

// NewBlacklistStore returns a store over db.
func NewBlacklistStore(db *DB) *BlacklistStore {
	return &BlacklistStore{db: db}
}

// Insert writes a blacklist entry.
func (s *BlacklistStore) Insert(ctx context.Context, e *BlacklistEntry) error {
	query := s.db.q(`INSERT INTO blacklist
		(id, ephemeral_id, ip_address, block_reason, confidence, blocked_at, expires_at, offense_count, detection_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.EphemeralID, e.IPAddress, e.BlockReason, e.Confidence,
		e.BlockedAt, e.ExpiresAt, e.OffenseCount, e.DetectionMetadata,
	)
	if err != nil {
		return fmt.Errorf("store: insert blacklist entry: %w", err)
	}
	return nil
}

// ActiveMatch returns the unexpired entry matching either the device ID
// (when present) or the IP, or nil when none matches.
func (s *BlacklistStore) ActiveMatch(ctx context.Context, ephemeralID, ip string, now time.Time) (*BlacklistEntry, error) {
	var (
		query string
		args  []any
	)
	ts := SQLTime(now)
	if ephemeralID != "" {
		query = `SELECT id, ephemeral_id, ip_address, block_reason, confidence, blocked_at, expires_at, offense_count, detection_metadata
			FROM blacklist WHERE (ephemeral_id = ? OR ip_address = ?) AND expires_at > ?
			ORDER BY expires_at DESC LIMIT 1`
		args = []any{ephemeralID, ip, ts}
	} else {
		query = `SELECT id, ephemeral_id, ip_address, block_reason, confidence, blocked_at, expires_at, offense_count, detection_metadata
			FROM blacklist WHERE ip_address = ? AND expires_at > ?
			ORDER BY expires_at DESC LIMIT 1`
		args = []any{ip, ts}
	}

	var e BlacklistEntry
	if err := s.db.GetContext(ctx, &e, s.db.q(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: blacklist lookup: %w", err)
	}
	return &e, nil
}

// CountOffenses counts all prior entries, active or expired, for a key.
// Offense counts carry across expiry to drive the progressive schedule.
func (s *BlacklistStore) CountOffenses(ctx context.Context, ephemeralID, ip string) (int, error) {
	var (
		query string
		args  []any
	)
	if ephemeralID != "" {
		query = `SELECT COUNT(*) FROM blacklist WHERE ephemeral_id = ?`
		args = []any{ephemeralID}
	} else {
		query = `SELECT COUNT(*) FROM blacklist WHERE ip_address = ?`
		args = []any{ip}
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.q(query), args...); err != nil {
		return 0, fmt.Errorf("store: offense count: %w", err)
	}
	return n, nil
}

// DeleteExpiredBefore removes entries whose expiry is older than the
// cutoff. Used by the retention sweeper only; recent expired entries are
// kept so offense counts survive.
func (s *BlacklistStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.q(`DELETE FROM blacklist WHERE expires_at < ?`), SQLTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: prune blacklist: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
