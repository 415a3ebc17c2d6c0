package analytics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfianugrah/forminator-sub000/pkg/store"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return NewService(store.Wrap(sqlx.NewDb(raw, "sqlmock"), "sqlite")), mock
}

func TestParseFiltersDefaults(t *testing.T) {
	f := ParseFilters(url.Values{})
	assert.Equal(t, defaultLimit, f.Limit)
	assert.Equal(t, 0, f.Offset)
	assert.Equal(t, "created_at", f.SortBy)
	assert.Equal(t, "DESC", f.SortOrder)
	assert.Nil(t, f.Allowed)
}

func TestParseFiltersFullSet(t *testing.T) {
	q := url.Values{}
	q.Set("limit", "100")
	q.Set("offset", "40")
	q.Set("sortBy", "botScore")
	q.Set("sortOrder", "asc")
	q.Set("search", "ada")
	q.Set("countries", "us, de ,sg")
	q.Set("botScoreMin", "10")
	q.Set("botScoreMax", "90")
	q.Set("startDate", "2026-08-01")
	q.Set("endDate", "2026-08-24")
	q.Set("allowed", "true")
	q.Set("fingerprintHasJa4", "true")

	f := ParseFilters(q)
	assert.Equal(t, 100, f.Limit)
	assert.Equal(t, 40, f.Offset)
	assert.Equal(t, "bot_score", f.SortBy)
	assert.Equal(t, "ASC", f.SortOrder)
	assert.Equal(t, []string{"US", "DE", "SG"}, f.Countries)
	assert.Equal(t, "2026-08-01 00:00:00", f.StartDate)
	assert.Equal(t, "2026-08-24 23:59:59", f.EndDate)
	require.NotNil(t, f.Allowed)
	assert.True(t, *f.Allowed)
	require.NotNil(t, f.HasJA4)
	assert.True(t, *f.HasJA4)
}

func TestParseFiltersCapsLimitAndIgnoresJunk(t *testing.T) {
	q := url.Values{}
	q.Set("limit", "99999")
	q.Set("sortBy", "created_at; DROP TABLE submissions")
	q.Set("startDate", "yesterday")

	f := ParseFilters(q)
	assert.Equal(t, maxLimit, f.Limit)
	assert.Equal(t, "created_at", f.SortBy)
	assert.Empty(t, f.StartDate)
}

func TestWhereBuildsConditions(t *testing.T) {
	min := 10
	allowed := false
	f := Filters{
		Search:      "ada",
		Countries:   []string{"US", "DE"},
		BotScoreMin: &min,
		StartDate:   "2026-08-01 00:00:00",
		Allowed:     &allowed,
	}

	where, args := f.where(true)
	assert.Contains(t, where, "email LIKE ?")
	assert.Contains(t, where, "country IN (?,?)")
	assert.Contains(t, where, "bot_score >= ?")
	assert.Contains(t, where, "created_at >= ?")
	// allowed applies to the validations table only.
	assert.NotContains(t, where, "allowed")
	assert.Len(t, args, 8)

	where, args = f.where(false)
	assert.Contains(t, where, "allowed = ?")
	assert.NotContains(t, where, "email LIKE")
	assert.Len(t, args, 7)
}

func TestStats(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM submissions`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(120))
	mock.ExpectQuery("FROM turnstile_validations").
		WillReturnRows(sqlmock.NewRows([]string{"total", "success_count", "allowed_count", "avg_risk"}).
			AddRow(200, 180, 150, 23.5))
	mock.ExpectQuery(`COUNT\(DISTINCT ephemeral_id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(44))

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, stats.TotalSubmissions)
	assert.Equal(t, 200, stats.TotalValidations)
	assert.InDelta(t, 0.9, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 0.75, stats.AdmitRate, 1e-9)
	assert.Equal(t, 23.5, stats.AvgRiskScore)
	assert.Equal(t, 44, stats.UniqueDevices)
}

func TestStatsEmptyTables(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM submissions`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("FROM turnstile_validations").
		WillReturnRows(sqlmock.NewRows([]string{"total", "success_count", "allowed_count", "avg_risk"}).
			AddRow(0, 0, 0, 0.0))
	mock.ExpectQuery(`COUNT\(DISTINCT ephemeral_id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.SuccessRate)
	assert.Zero(t, stats.AdmitRate)
}

func TestCountries(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("GROUP BY country").
		WillReturnRows(sqlmock.NewRows([]string{"country", "count"}).
			AddRow("US", 50).AddRow("DE", 20))

	counts, err := svc.Countries(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, CountryCount{Country: "US", Count: 50}, counts[0])
}

func TestBotScores(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("BETWEEN 0 AND 29").
		WillReturnRows(sqlmock.NewRows([]string{"b0", "b30", "b50", "b70", "b90"}).
			AddRow(5, 10, 15, 20, 50))

	b, err := svc.BotScores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, b.B0to29)
	assert.Equal(t, 50, b.B90to100)
}

func TestEncodeExportCSV(t *testing.T) {
	rows := []store.Submission{{
		ID:        "s1",
		CreatedAt: "2026-08-24 10:00:00",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Fingerprint: store.Fingerprint{
			Country:  "GB",
			RemoteIP: "203.0.113.7",
			BotScore: 99,
		},
	}}

	body, contentType, err := EncodeExport(rows, FormatCSV)
	require.NoError(t, err)
	assert.Contains(t, contentType, "text/csv")

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "email")
	assert.Contains(t, lines[1], "ada@example.com")
	assert.Contains(t, lines[1], "99")
}

func TestEncodeExportRejectsUnknownFormat(t *testing.T) {
	_, _, err := EncodeExport(nil, "xml")
	assert.Error(t, err)
}

func TestArchiveUnconfiguredIs501(t *testing.T) {
	svc, _ := newService(t)
	h := NewHandler(svc, nil, testLogger)
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analytics/export/archive", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

type memStore struct {
	bucket, key, contentType string
	body                     []byte
}

func (m *memStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	m.bucket, m.key, m.body, m.contentType = bucket, key, body, contentType
	return nil
}

func TestArchiverWritesTimestampedKey(t *testing.T) {
	m := &memStore{}
	a := NewArchiver(m, "exports", "forminator/")

	key, err := a.Archive(context.Background(), FormatJSON, []byte(`{}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, key, m.key)
	assert.True(t, strings.HasPrefix(key, "forminator/export-"))
	assert.True(t, strings.HasSuffix(key, ".json"))
	assert.Equal(t, "exports", m.bucket)
}

func TestSubmissionByIDNotFound(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("FROM submissions WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := svc.SubmissionByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
