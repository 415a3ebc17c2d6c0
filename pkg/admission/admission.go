// Package admission orchestrates the submission pipeline: validation,
// replay and blacklist gates, CAPTCHA verification, signal collection,
// risk scoring, and persistence.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/erfianugrah/forminator-sub000/pkg/blacklist"
	"github.com/erfianugrah/forminator-sub000/pkg/metadata"
	"github.com/erfianugrah/forminator-sub000/pkg/risk"
	"github.com/erfianugrah/forminator-sub000/pkg/signals"
	"github.com/erfianugrah/forminator-sub000/pkg/store"
	"github.com/erfianugrah/forminator-sub000/pkg/turnstile"
	"github.com/erfianugrah/forminator-sub000/pkg/validate"
)

// retryAfterSeconds is advertised on rate-class 429 responses.
const retryAfterSeconds = 3600

// autoBlacklistReasons are the categorical block reasons that earn a
// blacklist entry on rejection.
var autoBlacklistReasons = map[string]bool{
	risk.ReasonEphemeralIDFraud:    true,
	risk.ReasonValidationFrequency: true,
	risk.ReasonJA4SessionHopping:   true,
	risk.ComponentIPRateLimit:      true,
}

// rateClassReasons answer with 429 + Retry-After; everything else blocked
// at the scoring stage answers 403.
var rateClassReasons = map[string]bool{
	risk.ComponentIPRateLimit:      true,
	risk.ReasonValidationFrequency: true,
}

// Decision is the pipeline outcome, ready to render.
type Decision struct {
	Status       int
	SubmissionID string
	Message      string
	UserMessage  string
	Details      []string
	RetryAfter   int
}

// Controller runs the admission pipeline.
type Controller struct {
	verifier       turnstile.Verifier
	submissions    *store.SubmissionStore
	validations    *store.ValidationStore
	blacklist      *blacklist.Service
	collector      *signals.Collector
	scorer         *risk.Scorer
	blockThreshold float64
	logger         *slog.Logger
	now            func() time.Time
}

// NewController wires the pipeline stages together.
func NewController(
	verifier turnstile.Verifier,
	submissions *store.SubmissionStore,
	validations *store.ValidationStore,
	bl *blacklist.Service,
	collector *signals.Collector,
	scorer *risk.Scorer,
	blockThreshold float64,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		verifier:       verifier,
		submissions:    submissions,
		validations:    validations,
		blacklist:      bl,
		collector:      collector,
		scorer:         scorer,
		blockThreshold: blockThreshold,
		logger:         logger,
		now:            time.Now,
	}
}

// WithClock overrides the time source (tests).
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Process runs the staged pipeline for one request. Stages execute in
// strict order; each may short-circuit with a terminal decision.
func (c *Controller) Process(ctx context.Context, md metadata.RequestMetadata, in validate.SubmissionInput, verifier turnstile.Verifier) Decision {
	in = validate.Sanitize(in)
	if details := validate.Check(in, c.now()); len(details) > 0 {
		return Decision{Status: http.StatusBadRequest, Message: "Validation failed", Details: details}
	}

	tokenHash := turnstile.HashToken(in.TurnstileToken)
	headerFP := signals.HeaderStackHash(md)

	// Replay gate. Fail-secure: a lookup error is treated as a reuse.
	seen, err := c.validations.TokenSeen(ctx, tokenHash)
	if err != nil {
		c.logger.Error("replay lookup failed, treating token as reused", "error", err)
		seen = true
	}
	if seen {
		c.recordValidation(ctx, &store.Validation{
			TokenHash:   tokenHash,
			Success:     false,
			Allowed:     false,
			BlockReason: store.NullString(risk.ReasonTokenReused),
			RiskScore:   100,
			Fingerprint: store.FingerprintFrom(md, headerFP),
		})
		return Decision{
			Status:      http.StatusBadRequest,
			Message:     "Verification failed",
			UserMessage: "This verification token has already been used. Please refresh and try again.",
		}
	}

	// Pre-verify blacklist gate, IP-keyed. An active entry must answer
	// before the CAPTCHA provider is ever contacted.
	if d, blocked := c.blacklistGate(ctx, "", md.RemoteIP, tokenHash, md, headerFP); blocked {
		return d
	}

	if verifier == nil {
		verifier = c.verifier
	}
	result := verifier.Verify(ctx, in.TurnstileToken, md.RemoteIP)
	if !result.Valid {
		v := &store.Validation{
			TokenHash:   tokenHash,
			Success:     false,
			Allowed:     false,
			BlockReason: store.NullString(captchaReason(result)),
			EphemeralID: store.NullString(result.EphemeralID),
			RiskScore:   90,
			ErrorCodes:  encodeErrorCodes(result.ErrorCodes),
			Fingerprint: store.FingerprintFrom(md, headerFP),
		}
		applySiteverify(v, result.Data)
		c.recordValidation(ctx, v)
		return Decision{
			Status:      http.StatusBadRequest,
			Message:     "Verification failed",
			UserMessage: turnstile.UserMessageFor(result.ErrorCodes),
		}
	}

	ephemeralID := result.EphemeralID

	// Post-verify blacklist gate, device-keyed.
	if ephemeralID != "" {
		if d, blocked := c.blacklistGate(ctx, ephemeralID, md.RemoteIP, tokenHash, md, headerFP); blocked {
			return d
		}
	}

	bundle := c.collector.Collect(ctx, signals.Input{
		EphemeralID: ephemeralID,
		IP:          md.RemoteIP,
		TokenHash:   tokenHash,
		Email:       in.Email,
		Metadata:    md,
	})
	assessment := c.scorer.Score(risk.Input{Signals: bundle})

	v := &store.Validation{
		TokenHash:   tokenHash,
		Success:     true,
		Allowed:     !assessment.Blocked(c.blockThreshold),
		EphemeralID: store.NullString(ephemeralID),
		RiskScore:   assessment.Total,
		ErrorCodes:  encodeErrorCodes(nil),
		Fingerprint: store.FingerprintFrom(md, headerFP),
	}
	applySiteverify(v, result.Data)

	if assessment.Blocked(c.blockThreshold) {
		v.BlockReason = store.NullString(assessment.Reason)
		c.recordValidation(ctx, v)
		c.autoBlacklist(ctx, ephemeralID, md.RemoteIP, assessment, bundle)

		c.logger.Info("submission blocked",
			"reason", assessment.Reason, "score", assessment.Total,
			"ip", md.RemoteIP, "ephemeral_id", ephemeralID)

		if rateClassReasons[assessment.Reason] {
			return Decision{
				Status:      http.StatusTooManyRequests,
				Message:     "Rate limited",
				UserMessage: "Too many attempts. Please try again later.",
				RetryAfter:  retryAfterSeconds,
			}
		}
		return Decision{
			Status:      http.StatusForbidden,
			Message:     "Request refused",
			UserMessage: "Your request could not be processed.",
		}
	}

	// Admit: the submission row lands first so the validation can point
	// at it. A validation-log failure after a durable submission still
	// answers 201.
	sub := c.buildSubmission(in, ephemeralID, md, headerFP)
	if err := c.submissions.Insert(ctx, sub); err != nil {
		c.logger.Error("submission insert failed", "error", err)
		return Decision{
			Status:      http.StatusInternalServerError,
			Message:     "Internal error",
			UserMessage: "Something went wrong. Please try again.",
		}
	}
	v.SubmissionID = store.NullString(sub.ID)
	c.recordValidation(ctx, v)

	c.logger.Info("submission admitted",
		"submission_id", sub.ID, "score", assessment.Total, "ip", md.RemoteIP)
	return Decision{
		Status:       http.StatusCreated,
		SubmissionID: sub.ID,
		Message:      "Submission received",
	}
}

// blacklistGate probes the blacklist for the key and, on a hit, records
// the refusal and produces the 403. Lookup errors fail secure.
func (c *Controller) blacklistGate(ctx context.Context, ephemeralID, ip, tokenHash string, md metadata.RequestMetadata, headerFP string) (Decision, bool) {
	res, err := c.blacklist.Check(ctx, ephemeralID, ip)
	if err != nil {
		c.logger.Error("blacklist lookup failed, refusing request", "error", err)
		res = blacklist.CheckResult{Blocked: true, Reason: "blacklist_unavailable"}
	}
	if !res.Blocked {
		return Decision{}, false
	}
	c.recordValidation(ctx, &store.Validation{
		TokenHash:   tokenHash,
		Success:     false,
		Allowed:     false,
		BlockReason: store.NullString(res.Reason),
		EphemeralID: store.NullString(ephemeralID),
		RiskScore:   100,
		ErrorCodes:  encodeErrorCodes(nil),
		Fingerprint: store.FingerprintFrom(md, headerFP),
	})
	return Decision{
		Status:      http.StatusForbidden,
		Message:     "Request refused",
		UserMessage: "Your request could not be processed.",
	}, true
}

// autoBlacklist inserts an entry when the block derives from a
// categorical signal. Device-keyed entries grade by total; IP-keyed
// entries never grade high.
func (c *Controller) autoBlacklist(ctx context.Context, ephemeralID, ip string, a risk.Assessment, b signals.Bundle) {
	if !autoBlacklistReasons[a.Reason] {
		return
	}

	// IP-keyed entries grade one band lower: medium only at a full 100,
	// never high.
	var confidence blacklist.Confidence
	switch {
	case ephemeralID == "" && a.Total >= 100:
		confidence = blacklist.ConfidenceMedium
	case ephemeralID == "":
		confidence = blacklist.ConfidenceLow
	case a.Total >= 100:
		confidence = blacklist.ConfidenceHigh
	case a.Total >= 80:
		confidence = blacklist.ConfidenceMedium
	default:
		confidence = blacklist.ConfidenceLow
	}

	req := blacklist.AddRequest{
		EphemeralID: ephemeralID,
		IP:          ip,
		Reason:      a.Reason,
		Confidence:  confidence,
		DetectionMetadata: map[string]any{
			"total":              a.Total,
			"deviceSubmissions":  b.DeviceSubmissions,
			"validationAttempts": b.ValidationAttempts,
			"uniqueIPs":          b.UniqueIPs,
			"ja4RawScore":        b.JA4RawScore,
			"ipRateScore":        b.IPRateScore,
		},
	}
	if _, err := c.blacklist.Add(ctx, req); err != nil {
		c.logger.Error("auto-blacklist insert failed", "error", err)
	}
}

func (c *Controller) buildSubmission(in validate.SubmissionInput, ephemeralID string, md metadata.RequestMetadata, headerFP string) *store.Submission {
	return &store.Submission{
		ID:          uuid.New().String(),
		CreatedAt:   store.SQLTime(c.now()),
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		Email:       in.Email,
		Phone:       store.NullString(in.Phone),
		Address:     store.NullString(in.Address),
		DateOfBirth: store.NullString(in.DateOfBirth),
		EphemeralID: store.NullString(ephemeralID),
		Fingerprint: store.FingerprintFrom(md, headerFP),
	}
}

// recordValidation persists the audit row. Failures are logged, never
// surfaced: the decision has already been made.
func (c *Controller) recordValidation(ctx context.Context, v *store.Validation) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt == "" {
		v.CreatedAt = store.SQLTime(c.now())
	}
	if v.ErrorCodes == "" {
		v.ErrorCodes = "[]"
	}
	if err := c.validations.Insert(ctx, v); err != nil {
		if errors.Is(err, store.ErrDuplicateToken) {
			c.logger.Warn("validation row lost the token race", "token_hash", v.TokenHash)
			return
		}
		c.logger.Error("validation insert failed", "error", err, "token_hash", v.TokenHash)
	}
}

func applySiteverify(v *store.Validation, sv *turnstile.SiteverifyResponse) {
	if sv == nil {
		return
	}
	v.ChallengeTS = store.NullString(sv.ChallengeTS)
	v.Hostname = store.NullString(sv.Hostname)
	v.Action = store.NullString(sv.Action)
}

func captchaReason(r turnstile.Result) string {
	if r.Reason != "" {
		return r.Reason
	}
	return "captcha_failed"
}

func encodeErrorCodes(codes []string) string {
	if len(codes) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(codes)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
