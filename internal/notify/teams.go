package notify

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/models"
)

// teamsThemeColor uses the connector-card hex convention, no leading #.
func teamsThemeColor(s models.Severity) string {
	return strings.TrimPrefix(severityColor(s), "#")
}

// TeamsSink posts escalations to a Microsoft Teams incoming webhook as a
// MessageCard.
type TeamsSink struct {
	webhookURL string
	httpClient *http.Client
}

// NewTeamsSink builds a Teams webhook sink.
func NewTeamsSink(webhookURL string, client *http.Client) *TeamsSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TeamsSink{webhookURL: webhookURL, httpClient: client}
}

// Name identifies the channel in logs and metrics.
func (t *TeamsSink) Name() string { return "teams" }

// Send posts the message as a connector card.
func (t *TeamsSink) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": teamsThemeColor(msg.Severity),
		"summary":    msg.Subject,
		"title":      msg.Subject,
		"sections": []map[string]any{{
			"text": msg.Body,
			"facts": []map[string]string{
				{"name": "Severity", "value": string(msg.Severity)},
				{"name": "Target", "value": msg.Target},
				{"name": "Time", "value": msg.Timestamp.UTC().Format(time.RFC3339)},
			},
		}},
	}
	return postJSON(ctx, t.httpClient, t.webhookURL, payload, "notify.teams")
}
