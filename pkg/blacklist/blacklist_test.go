package blacklist

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfianugrah/forminator-sub000/pkg/store"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var defaultSchedule = []int64{3600, 14400, 28800, 43200, 86400}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	db := store.Wrap(sqlx.NewDb(raw, "sqlmock"), "sqlite")
	return New(store.NewBlacklistStore(db), defaultSchedule, 86400, testLogger), mock
}

func TestDurationFollowsSchedule(t *testing.T) {
	svc, _ := newService(t)

	wants := []time.Duration{
		time.Hour, 4 * time.Hour, 8 * time.Hour, 12 * time.Hour, 24 * time.Hour,
	}
	for i, want := range wants {
		assert.Equal(t, want, svc.Duration(i+1), "offense %d", i+1)
	}
	// Past the schedule end, the last entry holds.
	assert.Equal(t, 24*time.Hour, svc.Duration(6))
	assert.Equal(t, 24*time.Hour, svc.Duration(60))
}

func TestDurationMonotonicAndCapped(t *testing.T) {
	svc, _ := newService(t)
	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := svc.Duration(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 24*time.Hour)
		prev = d
	}
}

func TestDurationCapAppliesToSchedule(t *testing.T) {
	raw, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()
	db := store.Wrap(sqlx.NewDb(raw, "sqlmock"), "sqlite")

	svc := New(store.NewBlacklistStore(db), []int64{3600, 999999}, 7200, testLogger)
	assert.Equal(t, time.Hour, svc.Duration(1))
	assert.Equal(t, 2*time.Hour, svc.Duration(2))
}

func TestScaledDuration(t *testing.T) {
	base := 24 * time.Hour
	assert.Equal(t, base, ScaledDuration(base, ConfidenceLow, false))
	assert.Equal(t, 3*base, ScaledDuration(base, ConfidenceMedium, false))
	assert.Equal(t, 7*base, ScaledDuration(base, ConfidenceHigh, false))
	// IP-keyed entries never exceed the medium factor.
	assert.Equal(t, 3*base, ScaledDuration(base, ConfidenceHigh, true))
	assert.Equal(t, 3*base, ScaledDuration(base, ConfidenceMedium, true))
}

func TestAddFirstOffense(t *testing.T) {
	svc, mock := newService(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM blacklist WHERE ephemeral_id = ?")).
		WithArgs("eph-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO blacklist").
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry, err := svc.Add(context.Background(), AddRequest{
		EphemeralID: "eph-1",
		IP:          "203.0.113.7",
		Reason:      "validation_frequency",
		Confidence:  ConfidenceMedium,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, entry.OffenseCount)
	assert.Equal(t, "2026-08-24 11:00:00", entry.ExpiresAt) // first offense: 1h
	assert.Equal(t, string(ConfidenceMedium), entry.Confidence)
}

func TestAddEscalatesWithPriorOffenses(t *testing.T) {
	svc, mock := newService(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM blacklist WHERE ephemeral_id = ?")).
		WithArgs("eph-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec("INSERT INTO blacklist").
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry, err := svc.Add(context.Background(), AddRequest{
		EphemeralID: "eph-1",
		Reason:      "ja4_session_hopping",
		Confidence:  ConfidenceHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, entry.OffenseCount)
	assert.Equal(t, "2026-08-25 10:00:00", entry.ExpiresAt) // fifth offense: 24h
}

func TestAddIPKeyedNeverHigh(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM blacklist WHERE ip_address = ?")).
		WithArgs("203.0.113.7").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO blacklist").
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry, err := svc.Add(context.Background(), AddRequest{
		IP:         "203.0.113.7",
		Reason:     "ip_rate_limit",
		Confidence: ConfidenceHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, string(ConfidenceMedium), entry.Confidence)
}

func TestAddRequiresAKey(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Add(context.Background(), AddRequest{Reason: "x"})
	assert.Error(t, err)
}

func TestAddCanonicalizesDetectionMetadata(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM blacklist WHERE ephemeral_id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO blacklist").
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry, err := svc.Add(context.Background(), AddRequest{
		EphemeralID: "eph-1",
		Reason:      "ephemeral_id_fraud",
		Confidence:  ConfidenceLow,
		DetectionMetadata: map[string]any{
			"zeta":  1,
			"alpha": "x",
		},
	})
	require.NoError(t, err)
	require.True(t, entry.DetectionMetadata.Valid)
	// JCS orders keys lexicographically.
	assert.Equal(t, `{"alpha":"x","zeta":1}`, entry.DetectionMetadata.String)
}

func TestCheckBlockedAndClear(t *testing.T) {
	svc, mock := newService(t)

	cols := []string{"id", "ephemeral_id", "ip_address", "block_reason", "confidence", "blocked_at", "expires_at", "offense_count", "detection_metadata"}
	mock.ExpectQuery("SELECT .+ FROM blacklist").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("bl-1", "eph-1", nil, "repeat_offender", "high", "2026-08-24 09:00:00", "2026-08-25 09:00:00", 3, nil))

	res, err := svc.Check(context.Background(), "eph-1", "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, "repeat_offender", res.Reason)
	assert.Equal(t, ConfidenceHigh, res.Confidence)

	mock.ExpectQuery("SELECT .+ FROM blacklist").
		WillReturnRows(sqlmock.NewRows(cols))

	res, err = svc.Check(context.Background(), "eph-2", "198.51.100.1")
	require.NoError(t, err)
	assert.False(t, res.Blocked)
}
