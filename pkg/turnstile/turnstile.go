// Package turnstile verifies CAPTCHA tokens against the Cloudflare
// Turnstile siteverify API and owns the token-hash replay key.
package turnstile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultSiteverifyURL is the production siteverify endpoint.
const DefaultSiteverifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// ReasonAPIRequestFailed marks a transport or HTTP-level verification failure.
const ReasonAPIRequestFailed = "api_request_failed"

// HashToken returns the SHA-256 of the raw token, lower-hex encoded. Only
// this hash is ever persisted; the raw token is discarded after siteverify.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Metadata is the siteverify response metadata block.
type Metadata struct {
	EphemeralID string `json:"ephemeral_id"`
}

// SiteverifyResponse is the provider's response body.
type SiteverifyResponse struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	Action      string   `json:"action"`
	CData       string   `json:"cdata"`
	ErrorCodes  []string `json:"error-codes"`
	Metadata    Metadata `json:"metadata"`
}

// Result is the verifier's outcome. EphemeralID is captured even on
// failure so fraud signals can accumulate across repeated attempts.
type Result struct {
	Valid       bool
	Reason      string
	ErrorCodes  []string
	EphemeralID string
	Data        *SiteverifyResponse
}

// Verifier validates a CAPTCHA token for a client address.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) Result
}

// Client is the HTTP siteverify client.
type Client struct {
	secret  string
	url     string
	httpc   *http.Client
	logger  *slog.Logger
	alerter ConfigAlerter
}

// ConfigAlerter receives configuration-class provider errors (for example
// a missing or invalid secret) for the developer alert path.
type ConfigAlerter interface {
	ConfigError(ctx context.Context, code, detail string)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

// WithURL overrides the siteverify endpoint.
func WithURL(u string) Option {
	return func(cl *Client) { cl.url = u }
}

// WithConfigAlerter sets the alert sink for configuration-class errors.
func WithConfigAlerter(a ConfigAlerter) Option {
	return func(cl *Client) { cl.alerter = a }
}

// NewClient builds a siteverify client with the given secret and a 5s
// request deadline.
func NewClient(secret string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		secret: secret,
		url:    DefaultSiteverifyURL,
		httpc:  &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type siteverifyRequest struct {
	Secret   string `json:"secret"`
	Response string `json:"response"`
	RemoteIP string `json:"remoteip,omitempty"`
}

// Verify posts the token to siteverify and interprets the response.
// Transport and HTTP failures yield {Valid:false, Reason:"api_request_failed"}.
func (c *Client) Verify(ctx context.Context, token, remoteIP string) Result {
	body, err := json.Marshal(siteverifyRequest{Secret: c.secret, Response: token, RemoteIP: remoteIP})
	if err != nil {
		return Result{Reason: ReasonAPIRequestFailed}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{Reason: ReasonAPIRequestFailed}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Warn("siteverify request failed", "error", err)
		return Result{Reason: ReasonAPIRequestFailed}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("siteverify returned non-200", "status", resp.StatusCode)
		return Result{Reason: ReasonAPIRequestFailed}
	}

	var sv SiteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&sv); err != nil {
		c.logger.Warn("siteverify response unparseable", "error", err)
		return Result{Reason: ReasonAPIRequestFailed}
	}

	if !sv.Success {
		c.reportErrors(ctx, sv.ErrorCodes)
		return Result{
			Valid:       false,
			ErrorCodes:  sv.ErrorCodes,
			EphemeralID: sv.Metadata.EphemeralID,
			Data:        &sv,
		}
	}
	return Result{
		Valid:       true,
		EphemeralID: sv.Metadata.EphemeralID,
		Data:        &sv,
	}
}

func (c *Client) reportErrors(ctx context.Context, codes []string) {
	for _, code := range codes {
		info := LookupError(code)
		if info.Category == CategoryConfiguration {
			c.logger.Error("turnstile configuration error",
				"code", code, "debug", info.DebugMessage, "action", info.Action)
			if c.alerter != nil {
				c.alerter.ConfigError(ctx, code, info.DebugMessage)
			}
		} else {
			c.logger.Warn("turnstile verification error", "code", code, "category", info.Category)
		}
	}
}

// BypassVerifier synthesizes a valid result with a unique ephemeral ID so
// the downstream fraud pipeline still runs during testing. Only wired when
// the testing bypass is configured on.
type BypassVerifier struct{}

// Verify returns a synthetic success.
func (BypassVerifier) Verify(ctx context.Context, token, remoteIP string) Result {
	id := "bypass-" + uuid.New().String()
	return Result{
		Valid:       true,
		EphemeralID: id,
		Data: &SiteverifyResponse{
			Success:     true,
			ChallengeTS: time.Now().UTC().Format(time.RFC3339),
			Hostname:    "testing-bypass",
			Metadata:    Metadata{EphemeralID: id},
		},
	}
}
