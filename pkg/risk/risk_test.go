package risk

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfianugrah/forminator-sub000/pkg/config"
	"github.com/erfianugrah/forminator-sub000/pkg/signals"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newScorer(t *testing.T, mutate func(*config.Config)) *Scorer {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewScorer(cfg.Risk, cfg.Detection, testLogger)
	require.NoError(t, err)
	return s
}

func TestReplayForcesFullScore(t *testing.T) {
	s := newScorer(t, nil)
	a := s.Score(Input{Signals: signals.Bundle{TokenReplay: true}})
	assert.Equal(t, 100.0, a.Total)
	assert.Equal(t, ReasonTokenReused, a.Reason)
}

func TestRenormalizationReachesFullScale(t *testing.T) {
	s := newScorer(t, nil)
	a := s.Score(Input{Signals: signals.Bundle{
		EmailScore:         100,
		DeviceSubmissions:  3,
		ValidationAttempts: 3,
		UniqueIPs:          3,
		JA4RawScore:        230,
		IPRateScore:        100,
		HeaderFPScore:      100,
		TLSAnomalyScore:    100,
		LatencyScore:       100,
		DuplicateEmail:     true,
	}})
	assert.Equal(t, 100.0, a.Total)
	assert.NotEmpty(t, a.Reason)
}

func TestCleanRequestScoresLow(t *testing.T) {
	s := newScorer(t, nil)
	a := s.Score(Input{Signals: signals.Bundle{
		DeviceSubmissions:  1,
		ValidationAttempts: 1,
		UniqueIPs:          1,
	}})
	// Only the ephemeral-ID component contributes: 10 * 0.15 / 0.72.
	assert.InDelta(t, 2.1, a.Total, 0.05)
	assert.Empty(t, a.Reason)
	assert.Len(t, a.Components, 10)
}

func TestCaptchaFailurePromotesToThreshold(t *testing.T) {
	s := newScorer(t, nil)
	a := s.Score(Input{CaptchaFailed: true})
	assert.Equal(t, 70.0, a.Total)
	assert.Equal(t, ReasonCaptchaFailed, a.Reason)
}

func TestAdditiveModeIsVerbatimSum(t *testing.T) {
	s := newScorer(t, func(c *config.Config) { c.Risk.Mode = ModeAdditive })

	// Replay contributes its weighted share only; no override, no
	// re-normalization, no promotions.
	a := s.Score(Input{Signals: signals.Bundle{TokenReplay: true, PriorOffenses: 5}})
	assert.Equal(t, 28.0, a.Total)
	assert.Empty(t, a.Reason)
}

func TestNormalizeJA4(t *testing.T) {
	assert.Equal(t, 0.0, NormalizeJA4(0, 70))
	assert.Equal(t, 42.0, NormalizeJA4(42, 70))
	assert.Equal(t, 70.0, NormalizeJA4(70, 70))
	assert.InDelta(t, 85.0, NormalizeJA4(150, 70), 1e-9)
	assert.Equal(t, 100.0, NormalizeJA4(230, 70))
	assert.Equal(t, 100.0, NormalizeJA4(500, 70))

	prev := -1.0
	for raw := 0.0; raw <= 230; raw += 5 {
		got := NormalizeJA4(raw, 70)
		assert.GreaterOrEqual(t, got, prev, "raw %v", raw)
		prev = got
	}
}

func TestNormalizeEphemeralID(t *testing.T) {
	s := newScorer(t, nil)
	assert.Equal(t, 0.0, s.normalizeEphemeralID(0))
	assert.Equal(t, 10.0, s.normalizeEphemeralID(1))
	assert.Equal(t, 70.0, s.normalizeEphemeralID(2)) // at threshold
	assert.Equal(t, 100.0, s.normalizeEphemeralID(3))
}

func TestNormalizeValidationFrequency(t *testing.T) {
	s := newScorer(t, nil)
	assert.Equal(t, 0.0, s.normalizeValidationFrequency(1))
	assert.Equal(t, 40.0, s.normalizeValidationFrequency(2)) // warn threshold
	assert.Equal(t, 100.0, s.normalizeValidationFrequency(3))
	assert.Equal(t, 100.0, s.normalizeValidationFrequency(8))
}

func TestNormalizeIPDiversity(t *testing.T) {
	s := newScorer(t, nil)
	assert.Equal(t, 0.0, s.normalizeIPDiversity(1))
	assert.Equal(t, 50.0, s.normalizeIPDiversity(2)) // at threshold
	assert.Equal(t, 100.0, s.normalizeIPDiversity(3))
}

func TestJA4PromotionRequiresIPCorroboration(t *testing.T) {
	s := newScorer(t, nil)

	// Hopping alone stays below threshold.
	a := s.Score(Input{Signals: signals.Bundle{JA4RawScore: 150}})
	assert.Less(t, a.Total, 70.0)
	assert.Empty(t, a.Reason)

	// With IP pressure the guard is met and the total is promoted.
	a = s.Score(Input{Signals: signals.Bundle{JA4RawScore: 150, IPRateScore: 25}})
	assert.Equal(t, 70.0, a.Total)
	assert.Equal(t, ReasonJA4SessionHopping, a.Reason)
}

func TestEphemeralIDFraudPromotion(t *testing.T) {
	s := newScorer(t, nil)
	a := s.Score(Input{Signals: signals.Bundle{
		DeviceSubmissions:  3,
		ValidationAttempts: 2,
	}})
	assert.Equal(t, 85.0, a.Total)
	assert.Equal(t, ReasonEphemeralIDFraud, a.Reason)
}

func TestRepeatOffenderPromotion(t *testing.T) {
	s := newScorer(t, nil)
	a := s.Score(Input{Signals: signals.Bundle{PriorOffenses: 2}})
	assert.Equal(t, 100.0, a.Total)
	assert.Equal(t, ReasonRepeatOffender, a.Reason)
}

func TestDuplicateEmailNeedsDeviceCorroboration(t *testing.T) {
	s := newScorer(t, nil)

	a := s.Score(Input{Signals: signals.Bundle{DuplicateEmail: true, DeviceSubmissions: 1}})
	assert.Less(t, a.Total, 70.0)

	a = s.Score(Input{Signals: signals.Bundle{DuplicateEmail: true, DeviceSubmissions: 2}})
	assert.GreaterOrEqual(t, a.Total, 70.0)
	assert.Equal(t, ReasonDuplicateEmail, a.Reason)
}

func TestCustomRulePromotes(t *testing.T) {
	s := newScorer(t, func(c *config.Config) {
		c.Risk.CustomRules = []string{"duplicateEmail && emailScore >= 50.0"}
	})
	a := s.Score(Input{Signals: signals.Bundle{
		DuplicateEmail:    true,
		EmailScore:        60,
		DeviceSubmissions: 1,
	}})
	assert.Equal(t, 70.0, a.Total)
	assert.Equal(t, ReasonCustomRule, a.Reason)
}

func TestCustomRuleCompileError(t *testing.T) {
	cfg := config.Defaults()
	cfg.Risk.CustomRules = []string{"emailScore >>> nonsense"}
	_, err := NewScorer(cfg.Risk, cfg.Detection, testLogger)
	assert.Error(t, err)

	cfg.Risk.CustomRules = []string{"emailScore + 1.0"}
	_, err = NewScorer(cfg.Risk, cfg.Detection, testLogger)
	assert.Error(t, err, "non-bool rule must be rejected")
}

func TestContributionsSumToRawTotal(t *testing.T) {
	s := newScorer(t, func(c *config.Config) { c.Risk.Mode = ModeAdditive })
	a := s.Score(Input{Signals: signals.Bundle{
		EmailScore:        50,
		DeviceSubmissions: 1,
		IPRateScore:       25,
	}})
	sum := 0.0
	for _, c := range a.Components {
		sum += c.Contribution
	}
	assert.Equal(t, round1(sum), a.Total)
}

func TestWarningPassesThrough(t *testing.T) {
	s := newScorer(t, nil)
	a := s.Score(Input{Signals: signals.Bundle{Warning: signals.CollectionWarning}})
	assert.Equal(t, signals.CollectionWarning, a.Warning)
}
