// Package alert delivers developer-facing notifications for conditions
// that need a human: CAPTCHA provider misconfiguration chief among them.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slack-go/slack"
)

// Notifier delivers a developer alert.
type Notifier interface {
	Notify(ctx context.Context, title, detail string)
}

// Nop discards alerts. Wired when no webhook is configured.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(ctx context.Context, title, detail string) {}

// Slack posts alerts to an incoming webhook.
type Slack struct {
	webhookURL string
	logger     *slog.Logger

	// Repeated configuration errors would flood the channel; identical
	// titles are suppressed for the dedupe window.
	mu       sync.Mutex
	lastSent map[string]time.Time
	window   time.Duration
	now      func() time.Time

	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlack builds a webhook notifier.
func NewSlack(webhookURL string, logger *slog.Logger) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		logger:     logger,
		lastSent:   make(map[string]time.Time),
		window:     15 * time.Minute,
		now:        time.Now,
		post:       slack.PostWebhookContext,
	}
}

// Notify posts the alert, deduplicating by title.
func (s *Slack) Notify(ctx context.Context, title, detail string) {
	s.mu.Lock()
	now := s.now()
	if last, ok := s.lastSent[title]; ok && now.Sub(last) < s.window {
		s.mu.Unlock()
		return
	}
	s.lastSent[title] = now
	s.mu.Unlock()

	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color: "danger",
			Title: title,
			Text:  detail,
			Ts:    json.Number(fmt.Sprintf("%d", now.Unix())),
		}},
	}
	if err := s.post(ctx, s.webhookURL, msg); err != nil {
		s.logger.Error("slack alert delivery failed", "title", title, "error", err)
	}
}

// ConfigAlerter adapts a Notifier to the CAPTCHA client's alert hook.
type ConfigAlerter struct {
	Notifier Notifier
}

// ConfigError forwards a provider configuration error.
func (a ConfigAlerter) ConfigError(ctx context.Context, code, detail string) {
	a.Notifier.Notify(ctx, "Turnstile configuration error: "+code, detail)
}
