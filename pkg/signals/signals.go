// Package signals computes the rolling-window behavioral signals the risk
// scorer fuses. Collection is fail-open: a database blip must not become a
// denial of service for legitimate users, and the replay and blacklist
// checks upstream already cover the most dangerous cases.
package signals

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/erfianugrah/forminator-sub000/pkg/emailrisk"
	"github.com/erfianugrah/forminator-sub000/pkg/metadata"
	"github.com/erfianugrah/forminator-sub000/pkg/store"
)

// CollectionWarning is set on the bundle when any window query failed and
// the collector degraded to zeroed signals.
const CollectionWarning = "Signal collection error"

// Window sizes for the aggregates.
const (
	shortWindow = time.Hour
	longWindow  = 24 * time.Hour
)

// Bundle is the full signal set for one request.
type Bundle struct {
	TokenReplay bool

	// EmailScore is the external classifier output, 0-100; 0 on failure.
	EmailScore float64

	// DeviceSubmissions is the 24h submission count for the device ID,
	// plus one for the current attempt.
	DeviceSubmissions int

	// ValidationAttempts is the 1h validation count for the device ID,
	// plus one for the current attempt.
	ValidationAttempts int

	// UniqueIPs is the distinct remote addresses seen for the device ID
	// across both event tables in 24h.
	UniqueIPs int

	// JA4RawScore is the fingerprint-hopping composite, 0-230.
	JA4RawScore float64

	// IPRateScore is the tiered per-IP submission rate, 0-100.
	IPRateScore float64

	// HeaderFPScore flags header stacks shared across IPs or JA4s, 0-100.
	HeaderFPScore float64

	// TLSAnomalyScore flags a JA4 paired with a TLS combination not
	// previously observed for it, 0-100.
	TLSAnomalyScore float64

	// LatencyScore flags claimed-mobile clients with datacenter
	// characteristics, 0-100.
	LatencyScore float64

	// DuplicateEmail is set when the email already has a submission.
	DuplicateEmail bool

	// PriorOffenses is the blacklist offense history for the key.
	PriorOffenses int

	// Warning is non-empty when collection degraded.
	Warning string
}

// Input identifies the request under evaluation.
type Input struct {
	EphemeralID string
	IP          string
	TokenHash   string
	Email       string
	Metadata    metadata.RequestMetadata
}

// Collector fans out the window queries and assembles the bundle.
type Collector struct {
	submissions *store.SubmissionStore
	validations *store.ValidationStore
	blacklist   *store.BlacklistStore
	classifier  emailrisk.Classifier
	logger      *slog.Logger
	now         func() time.Time
}

// NewCollector builds a Collector.
func NewCollector(
	submissions *store.SubmissionStore,
	validations *store.ValidationStore,
	blacklist *store.BlacklistStore,
	classifier emailrisk.Classifier,
	logger *slog.Logger,
) *Collector {
	if classifier == nil {
		classifier = emailrisk.Disabled{}
	}
	return &Collector{
		submissions: submissions,
		validations: validations,
		blacklist:   blacklist,
		classifier:  classifier,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the time source (tests).
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Collect runs the window queries in parallel and assembles the bundle.
// Any store error degrades the whole bundle to zeroes with a warning; a
// classifier error only zeroes the email score.
func (c *Collector) Collect(ctx context.Context, in Input) Bundle {
	now := c.now()
	shortSince := now.Add(-shortWindow)
	longSince := now.Add(-longWindow)

	var (
		mu       sync.Mutex
		firstErr error
		b        Bundle
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	run := func(f func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(); err != nil {
				fail(err)
			}
		}()
	}

	run(func() error {
		seen, err := c.validations.TokenSeen(ctx, in.TokenHash)
		if err != nil {
			return err
		}
		b.TokenReplay = seen
		return nil
	})

	run(func() error {
		n, err := c.submissions.CountByIP(ctx, in.IP, shortSince)
		if err != nil {
			return err
		}
		b.IPRateScore = ipRateTier(n + 1)
		return nil
	})

	run(func() error {
		n, err := c.submissions.CountByEmail(ctx, in.Email)
		if err != nil {
			return err
		}
		b.DuplicateEmail = n > 0
		return nil
	})

	run(func() error {
		n, err := c.blacklist.CountOffenses(ctx, in.EphemeralID, in.IP)
		if err != nil {
			return err
		}
		b.PriorOffenses = n
		return nil
	})

	run(func() error {
		obs, err := c.validations.JA4Observations(ctx, in.EphemeralID, in.IP, longSince)
		if err != nil {
			return err
		}
		b.JA4RawScore = JA4Composite(obs, in.Metadata.JA4, now)
		return nil
	})

	run(func() error {
		score, err := c.headerReuse(ctx, in.Metadata, longSince)
		if err != nil {
			return err
		}
		b.HeaderFPScore = score
		return nil
	})

	run(func() error {
		score, err := c.tlsAnomaly(ctx, in.Metadata, longSince)
		if err != nil {
			return err
		}
		b.TLSAnomalyScore = score
		return nil
	})

	if in.EphemeralID != "" {
		run(func() error {
			n, err := c.submissions.CountByEphemeralID(ctx, in.EphemeralID, longSince)
			if err != nil {
				return err
			}
			b.DeviceSubmissions = n + 1
			return nil
		})

		run(func() error {
			n, err := c.validations.CountByEphemeralID(ctx, in.EphemeralID, shortSince)
			if err != nil {
				return err
			}
			b.ValidationAttempts = n + 1
			return nil
		})

		run(func() error {
			n, err := c.validations.CountUniqueIPs(ctx, in.EphemeralID, longSince)
			if err != nil {
				return err
			}
			b.UniqueIPs = n
			return nil
		})
	}

	wg.Wait()

	if firstErr != nil {
		c.logger.Warn("signal collection error, failing open",
			"error", firstErr, "ip", in.IP, "ephemeral_id", in.EphemeralID)
		return Bundle{Warning: CollectionWarning}
	}

	b.LatencyScore = latencyMismatch(in.Metadata)

	// The classifier is its own failure domain: an outage zeroes only
	// the email signal.
	if in.Email != "" {
		score, err := c.classifier.Score(ctx, in.Email)
		if err != nil {
			c.logger.Warn("email classifier failed, scoring 0", "error", err)
			score = 0
		}
		b.EmailScore = score
	}
	return b
}

func (c *Collector) headerReuse(ctx context.Context, md metadata.RequestMetadata, since time.Time) (float64, error) {
	fp := HeaderStackHash(md)
	if fp == "" {
		return 0, nil
	}
	ips, ja4s, err := c.validations.HeaderFPReuse(ctx, fp, since)
	if err != nil {
		return 0, err
	}
	spread := ips
	if ja4s > spread {
		spread = ja4s
	}
	switch {
	case spread <= 1:
		return 0, nil
	case spread == 2:
		return 50, nil
	case spread == 3:
		return 75, nil
	default:
		return 100, nil
	}
}

func (c *Collector) tlsAnomaly(ctx context.Context, md metadata.RequestMetadata, since time.Time) (float64, error) {
	if md.JA4 == "" || md.TLSVersion == "" {
		return 0, nil
	}
	prior, matched, err := c.validations.TLSComboSeen(ctx, md.JA4, md.TLSVersion, md.TLSCipher, since)
	if err != nil {
		return 0, err
	}
	if prior && !matched {
		return 100, nil
	}
	return 0, nil
}

// ipRateTier maps a 1h per-IP submission count (including the current
// attempt) onto the rate score tiers.
func ipRateTier(count int) float64 {
	switch {
	case count <= 1:
		return 0
	case count == 2:
		return 25
	case count == 3:
		return 50
	case count == 4:
		return 75
	default:
		return 100
	}
}
