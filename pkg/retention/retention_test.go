package retention

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfianugrah/forminator-sub000/pkg/store"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSweepUsesConfiguredCutoffs(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()
	db := store.Wrap(sqlx.NewDb(raw, "sqlmock"), "sqlite")

	s := New(store.NewValidationStore(db), store.NewBlacklistStore(db), 90, 30, testLogger)
	now := time.Date(2026, 8, 24, 4, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	mock.ExpectExec("DELETE FROM turnstile_validations").
		WithArgs("2026-05-26 04:00:00").
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec("DELETE FROM blacklist").
		WithArgs("2026-07-25 04:00:00").
		WillReturnResult(sqlmock.NewResult(0, 3))

	s.Sweep(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(nil, nil, 90, 30, testLogger)
	assert.Error(t, s.Start("not a cron expression"))
}

func TestZeroAgesSkipPurges(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()
	db := store.Wrap(sqlx.NewDb(raw, "sqlmock"), "sqlite")

	s := New(store.NewValidationStore(db), store.NewBlacklistStore(db), 0, 0, testLogger)
	s.Sweep(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}
