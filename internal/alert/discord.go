package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordProvider sends Discord webhook notifications
type DiscordProvider struct{}

func init() {
	RegisterProvider(&DiscordProvider{})
}

func (d *DiscordProvider) Name() string {
	return "discord"
}

func (d *DiscordProvider) Send(ctx context.Context, channel *Channel, alert *Alert) error {
	webhookURL, _ := channel.Settings["webhook_url"].(string)
	username, _ := channel.Settings["username"].(string)

	if webhookURL == "" {
		return fmt.Errorf("webhook_url is required")
	}

	if username == "" {
		username = "agentwatch"
	}

	// Determine color based on severity
	var color int
	switch alert.Severity {
	case SeverityCritical:
		color = 0xFF0000 // Red
	case SeverityWarning:
		color = 0xFFA500 // Orange
	default:
		color = 0x808080 // Gray
	}

	// Build Discord embed
	embed := map[string]interface{}{
		"title":       titleFor(alert),
		"description": alert.Message,
		"color":       color,
		"timestamp":   alert.Timestamp.Format(time.RFC3339),
		"fields": []map[string]interface{}{
			{
				"name":   "Agent",
				"value":  alert.AgentID,
				"inline": true,
			},
			{
				"name":   "Severity",
				"value":  alert.Severity,
				"inline": true,
			},
			{
				"name":   "Type",
				"value":  alert.Type,
				"inline": true,
			},
		},
	}

	payload := map[string]interface{}{
		"username": username,
		"embeds":   []interface{}{embed},
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
		return fmt.Errorf("failed to send Discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Discord webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func (d *DiscordProvider) Validate(settings map[string]interface{}) error {
	webhookURL, ok := settings["webhook_url"].(string)
	if !ok || webhookURL == "" {
		return fmt.Errorf("webhook_url is required")
	}

	return nil
}
