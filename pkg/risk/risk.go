// Package risk fuses the collected signals into a single 0-100 score.
// Each component is normalized to 0-100, weighted, and summed; the total
// is re-normalized when the replay component is inapplicable and then
// subjected to deterministic promotions for categorical fraud patterns.
package risk

import (
	"log/slog"
	"math"

	"github.com/erfianugrah/forminator-sub000/pkg/config"
	"github.com/erfianugrah/forminator-sub000/pkg/signals"
)

// Component names, also used as block reasons where the component is the
// controlling signal.
const (
	ComponentTokenReplay         = "token_replay"
	ComponentEphemeralID         = "ephemeral_id"
	ComponentEmailFraud          = "email_fraud"
	ComponentValidationFrequency = "validation_frequency"
	ComponentIPDiversity         = "ip_diversity"
	ComponentIPRateLimit         = "ip_rate_limit"
	ComponentHeaderFingerprint   = "header_fingerprint"
	ComponentJA4SessionHopping   = "ja4_session_hopping"
	ComponentTLSAnomaly          = "tls_anomaly"
	ComponentLatencyMismatch     = "latency_mismatch"
)

// Block reasons emitted by the scorer.
const (
	ReasonTokenReused         = "token_reused"
	ReasonCaptchaFailed       = "captcha_failed"
	ReasonEphemeralIDFraud    = "ephemeral_id_fraud"
	ReasonValidationFrequency = "validation_frequency"
	ReasonJA4SessionHopping   = "ja4_session_hopping"
	ReasonEmailFraud          = "email_fraud"
	ReasonDuplicateEmail      = "duplicate_email"
	ReasonRepeatOffender      = "repeat_offender"
	ReasonCustomRule          = "custom_rule"
)

// ModeAdditive disables promotions and overrides: the total is the raw
// weighted sum, without re-normalization.
const ModeAdditive = "additive"

// ja4MaxRaw is the top of the raw fingerprint-hopping scale.
const ja4MaxRaw = 230

// Component is one scored signal.
type Component struct {
	Name         string  `json:"name"`
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	RawScore     float64 `json:"rawScore,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// Assessment is the scorer output.
type Assessment struct {
	Total      float64     `json:"total"`
	Components []Component `json:"components"`

	// Reason names the controlling signal when the total is at or above
	// the block threshold; empty otherwise.
	Reason string `json:"reason,omitempty"`

	Warning string `json:"warning,omitempty"`
}

// Blocked reports whether the assessment meets the threshold.
func (a Assessment) Blocked(threshold float64) bool {
	return a.Total >= threshold
}

// Input is the signal bundle plus pipeline context the collector cannot
// know about.
type Input struct {
	Signals signals.Bundle

	// CaptchaFailed marks a request whose token verification failed but
	// which is still being scored, e.g. for signal fusion on retries.
	CaptchaFailed bool
}

// Scorer evaluates inputs against the configured weights and thresholds.
type Scorer struct {
	cfg       config.RiskConfig
	detection config.DetectionConfig
	rules     []CompiledRule
	logger    *slog.Logger
}

// NewScorer builds a Scorer. Custom rules are compiled once, up front;
// a rule that fails to compile is a configuration error.
func NewScorer(cfg config.RiskConfig, detection config.DetectionConfig, logger *slog.Logger) (*Scorer, error) {
	rules, err := CompileRules(cfg.CustomRules)
	if err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg, detection: detection, rules: rules, logger: logger}, nil
}

// Score computes the assessment for one request.
func (s *Scorer) Score(in Input) Assessment {
	b := in.Signals
	w := s.cfg.Weights
	bt := s.cfg.BlockThreshold

	replayScore := 0.0
	if b.TokenReplay {
		replayScore = 100
	}

	components := []Component{
		component(ComponentTokenReplay, replayScore, w.TokenReplay, 0),
		component(ComponentEphemeralID,
			s.normalizeEphemeralID(b.DeviceSubmissions), w.EphemeralID, float64(b.DeviceSubmissions)),
		component(ComponentEmailFraud, clamp100(b.EmailScore), w.EmailFraud, b.EmailScore),
		component(ComponentValidationFrequency,
			s.normalizeValidationFrequency(b.ValidationAttempts), w.ValidationFrequency, float64(b.ValidationAttempts)),
		component(ComponentIPDiversity,
			s.normalizeIPDiversity(b.UniqueIPs), w.IPDiversity, float64(b.UniqueIPs)),
		component(ComponentIPRateLimit, clamp100(b.IPRateScore), w.IPRateLimit, b.IPRateScore),
		component(ComponentHeaderFingerprint, clamp100(b.HeaderFPScore), w.HeaderFingerprint, b.HeaderFPScore),
		component(ComponentJA4SessionHopping,
			NormalizeJA4(b.JA4RawScore, bt), w.JA4SessionHopping, b.JA4RawScore),
		component(ComponentTLSAnomaly, clamp100(b.TLSAnomalyScore), w.TLSAnomaly, b.TLSAnomalyScore),
		component(ComponentLatencyMismatch, clamp100(b.LatencyScore), w.LatencyMismatch, b.LatencyScore),
	}

	rawSum := 0.0
	for _, c := range components {
		rawSum += c.Contribution
	}

	if s.cfg.Mode == ModeAdditive {
		return Assessment{
			Total:      round1(clamp100(rawSum)),
			Components: components,
			Warning:    b.Warning,
		}
	}

	if b.TokenReplay {
		return Assessment{
			Total:      100,
			Components: components,
			Reason:     ReasonTokenReused,
			Warning:    b.Warning,
		}
	}

	// With the replay component inapplicable the remaining nine can only
	// reach 1-w_replay; scale back to the full 0-100 range.
	total := rawSum
	if w.TokenReplay < 1 {
		total = rawSum / (1 - w.TokenReplay)
	}

	reason := ""
	if in.CaptchaFailed && total < bt {
		total = bt
		reason = ReasonCaptchaFailed
	}

	for _, p := range s.promotions(b) {
		if total < p.floor {
			total = p.floor
			reason = p.reason
		} else if total >= bt && reason == "" {
			reason = p.reason
		}
	}

	if reason == "" {
		total, reason = s.applyCustomRules(b, total)
	}

	total = round1(clamp100(total))
	if reason == "" && total >= bt {
		reason = dominantReason(components)
	}

	return Assessment{
		Total:      total,
		Components: components,
		Reason:     reason,
		Warning:    b.Warning,
	}
}

// promotion is a categorical trigger that lifts the total to a floor.
type promotion struct {
	reason string
	floor  float64
}

// promotions returns the triggers whose companion-signal guards are met,
// in ascending floor order so the strongest trigger wins the reason.
func (s *Scorer) promotions(b signals.Bundle) []promotion {
	bt := s.cfg.BlockThreshold
	var out []promotion

	// JA4 hopping needs corroborating IP pressure; a lone fingerprint
	// switch can be a browser update.
	if b.JA4RawScore >= 140 && b.IPRateScore >= 25 {
		out = append(out, promotion{ReasonJA4SessionHopping, bt})
	}
	if b.EmailScore >= 85 && (b.DuplicateEmail || b.IPRateScore >= 25) {
		out = append(out, promotion{ReasonEmailFraud, bt})
	}
	if b.DuplicateEmail && b.DeviceSubmissions >= 2 {
		out = append(out, promotion{ReasonDuplicateEmail, bt})
	}
	if b.DeviceSubmissions > s.detection.EphemeralIDSubmissionThreshold && b.ValidationAttempts >= 2 {
		out = append(out, promotion{ReasonEphemeralIDFraud, promotionFloor(bt, 85)})
	}
	if b.ValidationAttempts >= s.detection.ValidationFrequencyBlockThreshold && b.DeviceSubmissions >= 2 {
		out = append(out, promotion{ReasonValidationFrequency, promotionFloor(bt, 85)})
	}
	if b.PriorOffenses >= 2 {
		out = append(out, promotion{ReasonRepeatOffender, 100})
	}
	return out
}

func promotionFloor(bt, floor float64) float64 {
	if bt > floor {
		return bt
	}
	return floor
}

func (s *Scorer) applyCustomRules(b signals.Bundle, total float64) (float64, string) {
	if len(s.rules) == 0 {
		return total, ""
	}
	for _, r := range s.rules {
		hit, err := r.Eval(b, total)
		if err != nil {
			s.logger.Warn("custom rule evaluation failed", "rule", r.Source, "error", err)
			continue
		}
		if hit {
			if total < s.cfg.BlockThreshold {
				total = s.cfg.BlockThreshold
			}
			return total, ReasonCustomRule
		}
	}
	return total, ""
}

// normalizeEphemeralID maps the 24h device submission count: 0→0, 1→10,
// linearly up to the configured threshold→blockThreshold, above→100.
func (s *Scorer) normalizeEphemeralID(count int) float64 {
	threshold := s.detection.EphemeralIDSubmissionThreshold
	bt := s.cfg.BlockThreshold
	switch {
	case count <= 0:
		return 0
	case count > threshold:
		return 100
	case count == threshold:
		return bt
	case count == 1:
		return 10
	default:
		return interpolate(float64(count), 1, float64(threshold), 10, bt)
	}
}

// normalizeValidationFrequency maps the 1h validation count: 1→0, warn
// threshold→40, block threshold→100.
func (s *Scorer) normalizeValidationFrequency(count int) float64 {
	warn := s.detection.ValidationFrequencyWarnThreshold
	block := s.detection.ValidationFrequencyBlockThreshold
	switch {
	case count <= 1:
		return 0
	case count >= block:
		return 100
	case count == warn:
		return 40
	case count < warn:
		return interpolate(float64(count), 1, float64(warn), 0, 40)
	default:
		return interpolate(float64(count), float64(warn), float64(block), 40, 100)
	}
}

// normalizeIPDiversity maps the 24h distinct-IP count: 1→0, threshold→50,
// above→100.
func (s *Scorer) normalizeIPDiversity(count int) float64 {
	threshold := s.detection.IPDiversityThreshold
	switch {
	case count <= 1:
		return 0
	case count > threshold:
		return 100
	case count == threshold:
		return 50
	default:
		return interpolate(float64(count), 1, float64(threshold), 0, 50)
	}
}

// NormalizeJA4 maps the raw 0-230 fingerprint-hopping composite onto
// 0-100: identity up to the block threshold, then linear to 100 at 230.
func NormalizeJA4(raw, blockThreshold float64) float64 {
	switch {
	case raw <= 0:
		return 0
	case raw <= blockThreshold:
		return raw
	case raw >= ja4MaxRaw:
		return 100
	default:
		return blockThreshold + (raw-blockThreshold)/(ja4MaxRaw-blockThreshold)*(100-blockThreshold)
	}
}

func component(name string, score, weight, raw float64) Component {
	return Component{
		Name:         name,
		Score:        score,
		Weight:       weight,
		Contribution: score * weight,
		RawScore:     raw,
	}
}

// dominantReason names the component with the largest contribution.
func dominantReason(components []Component) string {
	best := ""
	bestContribution := -1.0
	for _, c := range components {
		if c.Contribution > bestContribution {
			bestContribution = c.Contribution
			best = c.Name
		}
	}
	switch best {
	case ComponentTokenReplay:
		return ReasonTokenReused
	case ComponentEphemeralID:
		return ReasonEphemeralIDFraud
	case ComponentEmailFraud:
		return ReasonEmailFraud
	default:
		return best
	}
}

func interpolate(x, x0, x1, y0, y1 float64) float64 {
	if x1 == x0 {
		return y1
	}
	return y0 + (x-x0)/(x1-x0)*(y1-y0)
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
