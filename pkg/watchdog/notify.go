package watchdog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/regtruth/regtruth/pkg/store"
)

const notifyTimeout = 10 * time.Second

// Notifier delivers an alert to an external channel.
type Notifier interface {
	Notify(ctx context.Context, alert *store.Alert) error
}

// FanOut delivers to every notifier, swallowing individual failures
// after logging them.
type FanOut struct {
	Targets []Notifier
	Logger  *slog.Logger
}

func (f *FanOut) Notify(ctx context.Context, alert *store.Alert) error {
	for _, t := range f.Targets {
		if err := t.Notify(ctx, alert); err != nil && f.Logger != nil {
			f.Logger.Warn("notify failed", "alert_type", alert.Type, "error", err)
		}
	}
	return nil
}

// SlackNotifier posts alerts to an incoming-webhook URL.
type SlackNotifier struct {
	WebhookURL string
	HTTP       *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: webhookURL,
		HTTP:       &http.Client{Timeout: notifyTimeout},
	}
}

func (s *SlackNotifier) Notify(ctx context.Context, alert *store.Alert) error {
	payload := map[string]any{
		"text": fmt.Sprintf(":rotating_light: [%s] %s: %s (seen %dx)",
			alert.Severity, alert.Type, alert.Message, alert.Occurrences),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("watchdog: marshal slack payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("watchdog: slack post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("watchdog: slack returned %d", resp.StatusCode)
	}
	return nil
}

// EmailSender hands a rendered message to whatever mail transport the
// deployment wires in.
type EmailSender func(ctx context.Context, recipient, subject, body string) error

// EmailNotifier renders alerts into plain-text mail.
type EmailNotifier struct {
	Recipient string
	Send      EmailSender
}

func (e *EmailNotifier) Notify(ctx context.Context, alert *store.Alert) error {
	if e.Send == nil {
		return nil
	}
	subject := fmt.Sprintf("[%s] %s", alert.Severity, alert.Type)
	body := fmt.Sprintf("%s\n\nEntity: %s\nOccurrences: %d\nFirst seen: %s\nLast seen: %s\n",
		alert.Message, alert.EntityID, alert.Occurrences,
		alert.FirstSeen.Format(time.RFC3339), alert.LastSeen.Format(time.RFC3339))
	return e.Send(ctx, e.Recipient, subject, body)
}
