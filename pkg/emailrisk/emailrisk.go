// Package emailrisk is the port for the external email-fraud classifier.
// The model itself is not part of this service; both backends fail open to
// a zero score so a classifier outage never blocks legitimate users.
package emailrisk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Classifier scores an email address for fraud likelihood, 0-100.
type Classifier interface {
	Score(ctx context.Context, email string) (float64, error)
}

// Disabled always scores 0.
type Disabled struct{}

// Score implements Classifier.
func (Disabled) Score(ctx context.Context, email string) (float64, error) {
	return 0, nil
}

// HTTPClassifier calls a remote scoring service with a JSON body.
type HTTPClassifier struct {
	url    string
	httpc  *http.Client
	logger *slog.Logger
}

// NewHTTPClassifier builds a classifier against url with the given request
// deadline.
func NewHTTPClassifier(url string, timeout time.Duration, logger *slog.Logger) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPClassifier{
		url:    url,
		httpc:  &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type scoreRequest struct {
	Email string `json:"email"`
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

// Score posts the email to the classifier. Any failure returns (0, err);
// callers treat that as a clean signal, not an error path.
func (c *HTTPClassifier) Score(ctx context.Context, email string) (float64, error) {
	body, err := json.Marshal(scoreRequest{Email: email})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("emailrisk: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("emailrisk: classifier returned %d", resp.StatusCode)
	}
	var sr scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return 0, fmt.Errorf("emailrisk: decode: %w", err)
	}
	return clamp(sr.Score), nil
}

func clamp(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
