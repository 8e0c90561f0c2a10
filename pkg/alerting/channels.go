package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/models"
)

// Notifier delivers one fired alert to an external channel. Implementations
// must be safe for concurrent use; failures are logged by the engine and
// never block or undo a firing.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, fired *bus.AlertFired) error
}

func severityColor(sev models.Severity) string {
	switch sev {
	case models.SeverityUrgent:
		return "#e74c3c"
	case models.SeverityNotable:
		return "#f39c12"
	case models.SeverityInfo:
		return "#2ecc71"
	}
	return "#95a5a6"
}

// SlackNotifier posts alerts to a Slack channel via the Web API.
type SlackNotifier struct {
	api     *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier creates a Slack notifier with a bot token.
func NewSlackNotifier(token, channel string, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{
		api:     goslack.New(token),
		channel: channel,
		logger:  logger.With("component", "slack-notifier"),
	}
}

// NewSlackNotifierWithAPIURL targets a custom API URL. Useful for testing
// with a mock server.
func NewSlackNotifierWithAPIURL(token, channel, apiURL string, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{
		api:     goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channel: channel,
		logger:  logger.With("component", "slack-notifier"),
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

// Notify posts a block-formatted message with a severity color bar.
func (s *SlackNotifier) Notify(ctx context.Context, fired *bus.AlertFired) error {
	alert := fired.Alert
	message := alert.Summary
	if message == "" {
		message = "No details available"
	}

	blocks := []goslack.Block{
		goslack.NewHeaderBlock(
			goslack.NewTextBlockObject(goslack.PlainTextType, "Argus Alert: "+fired.RuleName, false, false)),
		goslack.NewSectionBlock(nil, []*goslack.TextBlockObject{
			goslack.NewTextBlockObject(goslack.MarkdownType, "*Severity:*\n"+string(alert.Severity), false, false),
			goslack.NewTextBlockObject(goslack.MarkdownType, "*Source:*\n"+alert.Source, false, false),
			goslack.NewTextBlockObject(goslack.MarkdownType, "*Rule:*\n"+alert.RuleID, false, false),
			goslack.NewTextBlockObject(goslack.MarkdownType, "*Time:*\n"+alert.Timestamp.Format(time.RFC3339), false, false),
		}, nil),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, "```"+message+"```", false, false), nil, nil),
		goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, "Alert ID: `"+alert.ID+"`", false, false)),
	}

	fallback := fmt.Sprintf("[%s] %s: %s", alert.Severity, fired.RuleName, message)
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		goslack.MsgOptionText(fallback, false),
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionAttachments(goslack.Attachment{Color: severityColor(alert.Severity)}),
	)
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

// WebhookNotifier POSTs alerts to configured URLs, shaping the payload for
// Slack and Discord incoming-webhook endpoints and falling back to a generic
// JSON body for everything else.
type WebhookNotifier struct {
	urls   []string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier for the given URLs.
func NewWebhookNotifier(urls []string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		urls:   urls,
		client: &http.Client{Timeout: notifyTimeout},
		logger: logger.With("component", "webhook-notifier"),
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

// Notify delivers to every URL; the first failure is returned after all
// deliveries were attempted.
func (w *WebhookNotifier) Notify(ctx context.Context, fired *bus.AlertFired) error {
	var firstErr error
	for _, url := range w.urls {
		if err := w.post(ctx, url, webhookPayload(url, fired)); err != nil {
			w.logger.Warn("Webhook delivery failed", "url", url, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (w *WebhookNotifier) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// webhookPayload adapts the firing to the target's expected shape.
func webhookPayload(url string, fired *bus.AlertFired) any {
	alert := fired.Alert
	title := fmt.Sprintf("[%s] %s", alert.Severity, fired.RuleName)
	body := alert.Summary
	if body == "" {
		body = "No details available"
	}

	if strings.Contains(url, "hooks.slack.com") {
		text := fmt.Sprintf("*%s*\n%s", title, body)
		return map[string]any{
			"text": text,
			"blocks": []map[string]any{{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": text},
			}},
		}
	}
	if strings.Contains(url, "discord.com/api/webhooks") {
		return map[string]any{
			"content": fmt.Sprintf("**%s**\n%s", title, body),
		}
	}

	payload := map[string]any{
		"title":     title,
		"message":   body,
		"severity":  string(alert.Severity),
		"source":    alert.Source,
		"rule_id":   alert.RuleID,
		"timestamp": alert.Timestamp.Format(time.RFC3339),
	}
	if fired.Event != nil {
		payload["event_kind"] = string(fired.Event.Kind)
	}
	return payload
}
