// Package analytics serves the read-only reporting API over the same two
// event tables the admission pipeline writes. No write path.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/erfianugrah/forminator-sub000/pkg/store"
)

// ErrNotFound marks a lookup with no matching row.
var ErrNotFound = errors.New("analytics: not found")

// Stats is the headline aggregate set.
type Stats struct {
	TotalSubmissions int     `json:"totalSubmissions"`
	TotalValidations int     `json:"totalValidations"`
	SuccessRate      float64 `json:"successRate"`
	AdmitRate        float64 `json:"admitRate"`
	AvgRiskScore     float64 `json:"avgRiskScore"`
	UniqueDevices    int     `json:"uniqueDevices"`
}

// CountryCount is one row of the per-country aggregate.
type CountryCount struct {
	Country string `json:"country" db:"country"`
	Count   int    `json:"count" db:"count"`
}

// BotScoreBuckets is the five-bucket histogram over submission bot scores.
type BotScoreBuckets struct {
	B0to29   int `json:"0-29" db:"b0"`
	B30to49  int `json:"30-49" db:"b30"`
	B50to69  int `json:"50-69" db:"b50"`
	B70to89  int `json:"70-89" db:"b70"`
	B90to100 int `json:"90-100" db:"b90"`
}

// Page wraps a listing with its unfiltered-total for pagination.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Service answers the analytics queries.
type Service struct {
	db *store.DB
}

// NewService builds a Service over the shared handle.
func NewService(db *store.DB) *Service {
	return &Service{db: db}
}

// Stats computes the headline aggregates.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	var out Stats

	if err := s.db.GetContext(ctx, &out.TotalSubmissions,
		s.db.Rebind(`SELECT COUNT(*) FROM submissions`)); err != nil {
		return nil, fmt.Errorf("analytics: submission total: %w", err)
	}

	row := struct {
		Total   int     `db:"total"`
		Success int     `db:"success_count"`
		Allowed int     `db:"allowed_count"`
		AvgRisk float64 `db:"avg_risk"`
	}{}
	query := s.db.Rebind(`SELECT COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
		COALESCE(SUM(CASE WHEN allowed THEN 1 ELSE 0 END), 0) AS allowed_count,
		COALESCE(AVG(risk_score), 0) AS avg_risk
		FROM turnstile_validations`)
	if err := s.db.GetContext(ctx, &row, query); err != nil {
		return nil, fmt.Errorf("analytics: validation aggregates: %w", err)
	}
	out.TotalValidations = row.Total
	out.AvgRiskScore = row.AvgRisk
	if row.Total > 0 {
		out.SuccessRate = float64(row.Success) / float64(row.Total)
		out.AdmitRate = float64(row.Allowed) / float64(row.Total)
	}

	if err := s.db.GetContext(ctx, &out.UniqueDevices, s.db.Rebind(
		`SELECT COUNT(DISTINCT ephemeral_id) FROM submissions WHERE ephemeral_id IS NOT NULL AND ephemeral_id != ''`,
	)); err != nil {
		return nil, fmt.Errorf("analytics: device count: %w", err)
	}
	return &out, nil
}

// Submissions returns a filtered page of submissions.
func (s *Service) Submissions(ctx context.Context, f Filters) (*Page[store.Submission], error) {
	where, args := f.where(true)

	var total int
	if err := s.db.GetContext(ctx, &total,
		s.db.Rebind(`SELECT COUNT(*) FROM submissions`+where), args...); err != nil {
		return nil, fmt.Errorf("analytics: submission count: %w", err)
	}

	query := fmt.Sprintf(`SELECT * FROM submissions%s ORDER BY %s %s LIMIT ? OFFSET ?`,
		where, f.SortBy, f.SortOrder)
	items := []store.Submission{}
	pageArgs := append(append([]any{}, args...), f.Limit, f.Offset)
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), pageArgs...); err != nil {
		return nil, fmt.Errorf("analytics: submission page: %w", err)
	}
	return &Page[store.Submission]{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Blocked returns a filtered page of refused validation attempts.
func (s *Service) Blocked(ctx context.Context, f Filters) (*Page[store.Validation], error) {
	where, args := f.where(false)
	if where == "" {
		where = " WHERE allowed = ?"
	} else {
		where += " AND allowed = ?"
	}
	args = append(args, false)

	var total int
	if err := s.db.GetContext(ctx, &total,
		s.db.Rebind(`SELECT COUNT(*) FROM turnstile_validations`+where), args...); err != nil {
		return nil, fmt.Errorf("analytics: blocked count: %w", err)
	}

	query := fmt.Sprintf(`SELECT * FROM turnstile_validations%s ORDER BY %s %s LIMIT ? OFFSET ?`,
		where, f.SortBy, f.SortOrder)
	items := []store.Validation{}
	pageArgs := append(append([]any{}, args...), f.Limit, f.Offset)
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), pageArgs...); err != nil {
		return nil, fmt.Errorf("analytics: blocked page: %w", err)
	}
	return &Page[store.Validation]{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// SubmissionByID returns the full record, or ErrNotFound.
func (s *Service) SubmissionByID(ctx context.Context, id string) (*store.Submission, error) {
	var sub store.Submission
	err := s.db.GetContext(ctx, &sub,
		s.db.Rebind(`SELECT * FROM submissions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("analytics: submission lookup: %w", err)
	}
	return &sub, nil
}

// Countries returns the top-20 country counts.
func (s *Service) Countries(ctx context.Context) ([]CountryCount, error) {
	out := []CountryCount{}
	query := s.db.Rebind(`SELECT country, COUNT(*) AS count FROM submissions
		WHERE country != '' GROUP BY country ORDER BY count DESC, country LIMIT 20`)
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("analytics: country counts: %w", err)
	}
	return out, nil
}

// BotScores returns the five-bucket histogram.
func (s *Service) BotScores(ctx context.Context) (*BotScoreBuckets, error) {
	var b BotScoreBuckets
	query := s.db.Rebind(`SELECT
		COALESCE(SUM(CASE WHEN bot_score BETWEEN 0 AND 29 THEN 1 ELSE 0 END), 0) AS b0,
		COALESCE(SUM(CASE WHEN bot_score BETWEEN 30 AND 49 THEN 1 ELSE 0 END), 0) AS b30,
		COALESCE(SUM(CASE WHEN bot_score BETWEEN 50 AND 69 THEN 1 ELSE 0 END), 0) AS b50,
		COALESCE(SUM(CASE WHEN bot_score BETWEEN 70 AND 89 THEN 1 ELSE 0 END), 0) AS b70,
		COALESCE(SUM(CASE WHEN bot_score BETWEEN 90 AND 100 THEN 1 ELSE 0 END), 0) AS b90
		FROM submissions`)
	if err := s.db.GetContext(ctx, &b, query); err != nil {
		return nil, fmt.Errorf("analytics: bot score buckets: %w", err)
	}
	return &b, nil
}

// ExportRows returns the filtered submissions for a bulk export, ignoring
// pagination up to the export cap.
func (s *Service) ExportRows(ctx context.Context, f Filters) ([]store.Submission, error) {
	f.Limit = exportLimit
	f.Offset = 0
	page, err := s.Submissions(ctx, f)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}
