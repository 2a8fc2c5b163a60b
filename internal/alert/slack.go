package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SlackProvider sends Slack webhook notifications
type SlackProvider struct{}

func init() {
	RegisterProvider(&SlackProvider{})
}

func (s *SlackProvider) Name() string {
	return "slack"
}

func (s *SlackProvider) Send(ctx context.Context, channel *Channel, alert *Alert) error {
	webhookURL, _ := channel.Settings["webhook_url"].(string)
	slackChannel, _ := channel.Settings["channel"].(string)
	username, _ := channel.Settings["username"].(string)
	iconEmoji, _ := channel.Settings["icon_emoji"].(string)

	if webhookURL == "" {
		return fmt.Errorf("webhook_url is required")
	}

	if username == "" {
		username = "agentwatch"
	}

	// Default icon based on severity
	if iconEmoji == "" {
		switch alert.Severity {
		case SeverityCritical:
			iconEmoji = ":rotating_light:"
		case SeverityWarning:
			iconEmoji = ":warning:"
		default:
			iconEmoji = ":information_source:"
		}
	}

	// Determine color based on severity
	var color string
	switch alert.Severity {
	case SeverityCritical:
		color = "danger" // Red
	case SeverityWarning:
		color = "warning" // Yellow
	default:
		color = "#808080" // Gray
	}

	// Build Slack attachment
	attachment := map[string]interface{}{
		"color":  color,
		"title":  titleFor(alert),
		"text":   alert.Message,
		"ts":     alert.Timestamp.Unix(),
		"footer": "agentwatch",
		"fields": []map[string]interface{}{
			{
				"title": "Agent",
				"value": alert.AgentID,
				"short": true,
			},
			{
				"title": "Severity",
				"value": alert.Severity,
				"short": true,
			},
			{
				"title": "Type",
				"value": alert.Type,
				"short": true,
			},
		},
	}

	payload := map[string]interface{}{
		"username":    username,
		"icon_emoji":  iconEmoji,
		"attachments": []interface{}{attachment},
	}

	if slackChannel != "" {
		payload["channel"] = slackChannel
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", webhookURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func (s *SlackProvider) Validate(settings map[string]interface{}) error {
	webhookURL, ok := settings["webhook_url"].(string)
	if !ok || webhookURL == "" {
		return fmt.Errorf("webhook_url is required")
	}

	return nil
}
