package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/models"
	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

// severityColor maps severities to attachment sidebar colors.
func severityColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "#ff0000"
	case models.SeverityWarning:
		return "#ffd700"
	default:
		return "#36a64f"
	}
}

// SlackSink posts escalations to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackSink builds a Slack webhook sink.
func NewSlackSink(webhookURL string, client *http.Client) *SlackSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackSink{webhookURL: webhookURL, httpClient: client}
}

// Name identifies the channel in logs and metrics.
func (s *SlackSink) Name() string { return "slack" }

// Send posts the message as a colored attachment.
func (s *SlackSink) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"attachments": []map[string]any{{
			"color": severityColor(msg.Severity),
			"title": msg.Subject,
			"text":  msg.Body,
			"fields": []map[string]any{
				{"title": "Severity", "value": string(msg.Severity), "short": true},
				{"title": "Target", "value": msg.Target, "short": true},
			},
			"ts": msg.Timestamp.Unix(),
		}},
	}
	return postJSON(ctx, s.httpClient, s.webhookURL, payload, "notify.slack")
}

// postJSON sends a JSON body and treats any non-2xx status as failure.
func postJSON(ctx context.Context, client *http.Client, url string, payload any, op string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return utils.E(op, utils.KindUnknown, "encode payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return utils.E(op, utils.KindUnknown, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return utils.E(op, utils.KindUnknown, "post webhook", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return utils.E(op, utils.KindUnknown,
			fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, string(detail)), nil)
	}
	return nil
}
