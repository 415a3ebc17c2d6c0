package admission

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfianugrah/forminator-sub000/pkg/blacklist"
	"github.com/erfianugrah/forminator-sub000/pkg/config"
	"github.com/erfianugrah/forminator-sub000/pkg/metadata"
	"github.com/erfianugrah/forminator-sub000/pkg/risk"
	"github.com/erfianugrah/forminator-sub000/pkg/signals"
	"github.com/erfianugrah/forminator-sub000/pkg/store"
	"github.com/erfianugrah/forminator-sub000/pkg/turnstile"
	"github.com/erfianugrah/forminator-sub000/pkg/validate"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeVerifier struct {
	result turnstile.Result
	calls  int
}

func (f *fakeVerifier) Verify(ctx context.Context, token, remoteIP string) turnstile.Result {
	f.calls++
	return f.result
}

func testMetadata() metadata.RequestMetadata {
	return metadata.RequestMetadata{
		RemoteIP:    "203.0.113.7",
		UserAgent:   "Mozilla/5.0 (X11; Linux x86_64)",
		HeaderNames: []string{"accept", "user-agent"},
	}
}

func validInput() validate.SubmissionInput {
	return validate.SubmissionInput{
		FirstName:      "Ada",
		LastName:       "Lovelace",
		Email:          "ada@example.com",
		TurnstileToken: "tok-1",
	}
}

func newController(t *testing.T, verifier turnstile.Verifier) (*Controller, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	db := store.Wrap(sqlx.NewDb(raw, "sqlmock"), "sqlite")

	cfg := config.Defaults()
	submissions := store.NewSubmissionStore(db)
	validations := store.NewValidationStore(db)
	bl := blacklist.New(store.NewBlacklistStore(db), cfg.Timeouts.Schedule, cfg.Timeouts.Maximum, testLogger)
	collector := signals.NewCollector(submissions, validations, store.NewBlacklistStore(db), nil, testLogger)
	scorer, err := risk.NewScorer(cfg.Risk, cfg.Detection, testLogger)
	require.NoError(t, err)

	c := NewController(verifier, submissions, validations, bl, collector, scorer,
		cfg.Risk.BlockThreshold, testLogger)
	return c, mock
}

func count(n int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"count"}).AddRow(n)
}

func blacklistRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "ephemeral_id", "ip_address", "block_reason", "confidence",
		"blocked_at", "expires_at", "offense_count", "detection_metadata",
	}).AddRow("b1", nil, "203.0.113.7", "ip_rate_limit", "medium",
		"2026-08-24 09:00:00", "2026-08-24 11:00:00", 1, nil)
}

func TestValidationFailureShortCircuits(t *testing.T) {
	v := &fakeVerifier{}
	c, _ := newController(t, v)

	d := c.Process(context.Background(), testMetadata(), validate.SubmissionInput{}, nil)
	assert.Equal(t, http.StatusBadRequest, d.Status)
	assert.NotEmpty(t, d.Details)
	assert.Zero(t, v.calls)
}

func TestReplayRejectsWithoutVerification(t *testing.T) {
	v := &fakeVerifier{}
	c, mock := newController(t, v)

	mock.ExpectQuery("FROM turnstile_validations WHERE token_hash").WillReturnRows(count(1))
	mock.ExpectExec("INSERT INTO turnstile_validations").WillReturnResult(sqlmock.NewResult(0, 1))

	d := c.Process(context.Background(), testMetadata(), validInput(), nil)
	assert.Equal(t, http.StatusBadRequest, d.Status)
	assert.Contains(t, d.UserMessage, "already been used")
	assert.Zero(t, v.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplayLookupErrorFailsSecure(t *testing.T) {
	v := &fakeVerifier{}
	c, mock := newController(t, v)

	mock.ExpectQuery("FROM turnstile_validations WHERE token_hash").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectExec("INSERT INTO turnstile_validations").WillReturnResult(sqlmock.NewResult(0, 1))

	d := c.Process(context.Background(), testMetadata(), validInput(), nil)
	assert.Equal(t, http.StatusBadRequest, d.Status)
	assert.Zero(t, v.calls)
}

func TestActiveBlacklistSkipsCaptcha(t *testing.T) {
	v := &fakeVerifier{result: turnstile.Result{Valid: true}}
	c, mock := newController(t, v)

	mock.ExpectQuery("FROM turnstile_validations WHERE token_hash").WillReturnRows(count(0))
	mock.ExpectQuery("FROM blacklist WHERE ip_address").WillReturnRows(blacklistRow())
	mock.ExpectExec("INSERT INTO turnstile_validations").WillReturnResult(sqlmock.NewResult(0, 1))

	d := c.Process(context.Background(), testMetadata(), validInput(), nil)
	assert.Equal(t, http.StatusForbidden, d.Status)
	assert.Zero(t, v.calls, "CAPTCHA provider must not be contacted for a blacklisted key")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaptchaFailureRecordsScore90(t *testing.T) {
	v := &fakeVerifier{result: turnstile.Result{
		Valid:      false,
		ErrorCodes: []string{"invalid-input-response"},
	}}
	c, mock := newController(t, v)

	mock.ExpectQuery("FROM turnstile_validations WHERE token_hash").WillReturnRows(count(0))
	mock.ExpectQuery("FROM blacklist WHERE ip_address").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO turnstile_validations").WillReturnResult(sqlmock.NewResult(0, 1))

	d := c.Process(context.Background(), testMetadata(), validInput(), nil)
	assert.Equal(t, http.StatusBadRequest, d.Status)
	assert.NotEmpty(t, d.UserMessage)
	assert.Equal(t, 1, v.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectCollectorQueries(mock sqlmock.Sqlmock, deviceSubs, deviceValidations int) {
	mock.ExpectQuery("FROM turnstile_validations WHERE token_hash").WillReturnRows(count(0))
	mock.ExpectQuery(`COUNT\(\*\) FROM submissions WHERE remote_ip`).WillReturnRows(count(0))
	mock.ExpectQuery(`COUNT\(\*\) FROM submissions WHERE email`).WillReturnRows(count(0))
	mock.ExpectQuery("FROM blacklist WHERE ephemeral_id").WillReturnRows(count(0))
	mock.ExpectQuery("SELECT ja4, created_at").
		WillReturnRows(sqlmock.NewRows([]string{"ja4", "created_at"}))
	mock.ExpectQuery("header_fp_hash").
		WillReturnRows(sqlmock.NewRows([]string{"ips", "ja4s"}).AddRow(1, 1))
	mock.ExpectQuery(`COUNT\(\*\) FROM submissions WHERE ephemeral_id`).WillReturnRows(count(deviceSubs))
	mock.ExpectQuery(`COUNT\(\*\) FROM turnstile_validations WHERE ephemeral_id`).WillReturnRows(count(deviceValidations))
	mock.ExpectQuery("UNION ALL").WillReturnRows(count(1))
}

func TestHappyPathAdmits(t *testing.T) {
	v := &fakeVerifier{result: turnstile.Result{Valid: true, EphemeralID: "eph-1"}}
	c, mock := newController(t, v)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery("FROM turnstile_validations WHERE token_hash").WillReturnRows(count(0))
	mock.ExpectQuery("FROM blacklist WHERE ip_address").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM blacklist WHERE \(ephemeral_id`).WillReturnError(sql.ErrNoRows)
	expectCollectorQueries(mock, 0, 0)
	mock.ExpectExec("INSERT INTO submissions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO turnstile_validations").WillReturnResult(sqlmock.NewResult(0, 1))

	d := c.Process(context.Background(), testMetadata(), validInput(), nil)
	assert.Equal(t, http.StatusCreated, d.Status)
	assert.NotEmpty(t, d.SubmissionID)
	assert.Equal(t, 1, v.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceAbuseBlocksAndBlacklists(t *testing.T) {
	v := &fakeVerifier{result: turnstile.Result{Valid: true, EphemeralID: "eph-1"}}
	c, mock := newController(t, v)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery("FROM turnstile_validations WHERE token_hash").WillReturnRows(count(0))
	mock.ExpectQuery("FROM blacklist WHERE ip_address").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM blacklist WHERE \(ephemeral_id`).WillReturnError(sql.ErrNoRows)
	// Two prior submissions plus one prior validation for the device ID
	// trip the categorical device-abuse trigger.
	expectCollectorQueries(mock, 2, 1)
	mock.ExpectExec("INSERT INTO turnstile_validations").WillReturnResult(sqlmock.NewResult(0, 1))
	// Auto-blacklist: offense count then insert.
	mock.ExpectQuery("FROM blacklist WHERE ephemeral_id").WillReturnRows(count(0))
	mock.ExpectExec("INSERT INTO blacklist").WillReturnResult(sqlmock.NewResult(0, 1))

	d := c.Process(context.Background(), testMetadata(), validInput(), nil)
	assert.Equal(t, http.StatusForbidden, d.Status)
	assert.Empty(t, d.SubmissionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAutoBlacklistConfidenceGrading(t *testing.T) {
	cases := []struct {
		name        string
		ephemeralID string
		total       float64
		confidence  string
	}{
		{"ip keyed below 100 grades low", "", 85, "low"},
		{"ip keyed at 100 grades medium", "", 100, "medium"},
		{"device keyed at 85 grades medium", "eph-1", 85, "medium"},
		{"device keyed at 100 grades high", "eph-1", 100, "high"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, mock := newController(t, &fakeVerifier{})

			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM blacklist`).WillReturnRows(count(0))
			mock.ExpectExec("INSERT INTO blacklist").
				WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
					risk.ComponentIPRateLimit, tc.confidence,
					sqlmock.AnyArg(), sqlmock.AnyArg(), 1, sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			c.autoBlacklist(context.Background(), tc.ephemeralID, "203.0.113.7",
				risk.Assessment{Total: tc.total, Reason: risk.ComponentIPRateLimit},
				signals.Bundle{})
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSubmissionInsertFailureIs500(t *testing.T) {
	v := &fakeVerifier{result: turnstile.Result{Valid: true, EphemeralID: "eph-1"}}
	c, mock := newController(t, v)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery("FROM turnstile_validations WHERE token_hash").WillReturnRows(count(0))
	mock.ExpectQuery("FROM blacklist WHERE ip_address").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM blacklist WHERE \(ephemeral_id`).WillReturnError(sql.ErrNoRows)
	expectCollectorQueries(mock, 0, 0)
	mock.ExpectExec("INSERT INTO submissions").WillReturnError(sql.ErrConnDone)

	d := c.Process(context.Background(), testMetadata(), validInput(), nil)
	assert.Equal(t, http.StatusInternalServerError, d.Status)
}

func TestHandlerRejectsNonPost(t *testing.T) {
	c, _ := newController(t, &fakeVerifier{})
	h := NewHandler(c, "", testLogger)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/submissions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerRejectsMalformedBody(t *testing.T) {
	c, _ := newController(t, &fakeVerifier{})
	h := NewHandler(c, "", testLogger)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/submissions", strings.NewReader("{not json"))
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
