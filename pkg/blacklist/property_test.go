//go:build property
// +build property

package blacklist_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/erfianugrah/forminator-sub000/pkg/blacklist"
)

var propLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newSchedule() *blacklist.Service {
	return blacklist.New(nil, []int64{3600, 14400, 28800, 43200, 86400}, 86400, propLogger)
}

// TestDurationMonotonic verifies repeat offenses never shorten the timeout.
func TestDurationMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	svc := newSchedule()
	properties.Property("duration is non-decreasing in offense count", prop.ForAll(
		func(a, b int) bool {
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			return svc.Duration(lo) <= svc.Duration(hi)
		},
		gen.IntRange(1, 50),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

// TestDurationCapped verifies every timeout respects the configured maximum.
func TestDurationCapped(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	svc := newSchedule()
	properties.Property("duration never exceeds the maximum", prop.ForAll(
		func(offense int) bool {
			return svc.Duration(offense) <= 86400*time.Second
		},
		gen.IntRange(-10, 1000),
	))

	properties.TestingRun(t)
}
