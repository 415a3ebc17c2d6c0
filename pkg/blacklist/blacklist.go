// Package blacklist grades and enforces progressive-timeout blocks keyed
// by device ID or network address.
package blacklist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/erfianugrah/forminator-sub000/pkg/store"
)

// Confidence grades an entry and controls its duration scaling.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// scale factors per confidence for device-keyed entries. IP-keyed entries
// cap at the medium factor: addresses are shared by NAT and proxies, so an
// IP block must never be graded high.
const (
	scaleLow    = 1
	scaleMedium = 3
	scaleHigh   = 7
)

// CheckResult is the outcome of a blacklist probe.
type CheckResult struct {
	Blocked    bool
	Reason     string
	Confidence Confidence
}

// Service wraps the blacklist store with the grading and timeout policy.
type Service struct {
	store    *store.BlacklistStore
	schedule []time.Duration
	maximum  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Service. schedule entries and maximum are in seconds, as
// configured.
func New(bs *store.BlacklistStore, scheduleSeconds []int64, maximumSeconds int64, logger *slog.Logger) *Service {
	schedule := make([]time.Duration, 0, len(scheduleSeconds))
	for _, s := range scheduleSeconds {
		schedule = append(schedule, time.Duration(s)*time.Second)
	}
	if len(schedule) == 0 {
		schedule = []time.Duration{time.Hour}
	}
	return &Service{
		store:    bs,
		schedule: schedule,
		maximum:  time.Duration(maximumSeconds) * time.Second,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Check probes for an unexpired entry matching the device ID (when
// present) or the IP.
func (s *Service) Check(ctx context.Context, ephemeralID, ip string) (CheckResult, error) {
	e, err := s.store.ActiveMatch(ctx, ephemeralID, ip, s.now())
	if err != nil {
		return CheckResult{}, err
	}
	if e == nil {
		return CheckResult{}, nil
	}
	return CheckResult{
		Blocked:    true,
		Reason:     e.BlockReason,
		Confidence: Confidence(e.Confidence),
	}, nil
}

// AddRequest describes a new block.
type AddRequest struct {
	EphemeralID string
	IP          string
	Reason      string
	Confidence  Confidence
	// DetectionMetadata is stored as canonical JSON for stable auditing.
	DetectionMetadata map[string]any
}

// Add inserts an entry. The offense count is priorOffenses(key)+1 and the
// expiry follows the progressive schedule for that count. IP-keyed entries
// are clamped to medium confidence.
func (s *Service) Add(ctx context.Context, req AddRequest) (*store.BlacklistEntry, error) {
	if req.EphemeralID == "" && req.IP == "" {
		return nil, fmt.Errorf("blacklist: entry needs a device ID or an IP")
	}

	confidence := req.Confidence
	if req.EphemeralID == "" && confidence == ConfidenceHigh {
		confidence = ConfidenceMedium
	}

	prior, err := s.store.CountOffenses(ctx, req.EphemeralID, req.IP)
	if err != nil {
		return nil, err
	}
	offense := prior + 1
	duration := s.Duration(offense)

	now := s.now()
	entry := &store.BlacklistEntry{
		ID:           uuid.New().String(),
		EphemeralID:  store.NullString(req.EphemeralID),
		IPAddress:    store.NullString(req.IP),
		BlockReason:  req.Reason,
		Confidence:   string(confidence),
		BlockedAt:    store.SQLTime(now),
		ExpiresAt:    store.SQLTime(now.Add(duration)),
		OffenseCount: offense,
	}
	if req.DetectionMetadata != nil {
		raw, err := json.Marshal(req.DetectionMetadata)
		if err != nil {
			return nil, fmt.Errorf("blacklist: encode detection metadata: %w", err)
		}
		canonical, err := jcs.Transform(raw)
		if err != nil {
			return nil, fmt.Errorf("blacklist: canonicalize detection metadata: %w", err)
		}
		entry.DetectionMetadata = store.NullString(string(canonical))
	}

	if err := s.store.Insert(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("blacklist entry added",
		"ephemeral_id", req.EphemeralID, "ip", req.IP,
		"reason", req.Reason, "confidence", confidence,
		"offense", offense, "expires_at", entry.ExpiresAt)
	return entry, nil
}

// Duration returns the timeout for the n-th offense: the schedule entry
// (the last one once exhausted), capped at the configured maximum.
func (s *Service) Duration(offense int) time.Duration {
	if offense < 1 {
		offense = 1
	}
	idx := offense - 1
	if idx >= len(s.schedule) {
		idx = len(s.schedule) - 1
	}
	d := s.schedule[idx]
	if d > s.maximum {
		d = s.maximum
	}
	return d
}

// ScaledDuration applies confidence scaling to a base duration for
// operator-initiated blocks: device-keyed entries scale high=7x, medium=3x,
// low=1x; IP-keyed entries cap at 3x. The result never exceeds the
// configured maximum schedule cap times the high factor.
func ScaledDuration(base time.Duration, confidence Confidence, ipKeyed bool) time.Duration {
	factor := scaleLow
	switch confidence {
	case ConfidenceMedium:
		factor = scaleMedium
	case ConfidenceHigh:
		factor = scaleHigh
	}
	if ipKeyed && factor > scaleMedium {
		factor = scaleMedium
	}
	return base * time.Duration(factor)
}
