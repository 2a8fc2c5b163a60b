package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookProvider sends a flat JSON envelope to a generic webhook endpoint
type WebhookProvider struct{}

func init() {
	RegisterProvider(&WebhookProvider{})
}

func (w *WebhookProvider) Name() string {
	return "webhook"
}

func (w *WebhookProvider) Send(ctx context.Context, channel *Channel, alert *Alert) error {
	url, _ := channel.Settings["webhook_url"].(string)
	authToken, _ := channel.Settings["auth_token"].(string)
	customHeaders, _ := channel.Settings["headers"].(map[string]interface{})

	if url == "" {
		return fmt.Errorf("webhook_url is required")
	}

	// Flat envelope; field names are part of the wire contract.
	payload := map[string]interface{}{
		"source":       "agentwatch",
		"type":         alert.Type,
		"severity":     alert.Severity,
		"message":      alert.Message,
		"agentAddress": alert.AgentID,
		"timestamp":    alert.Timestamp.Format(time.RFC3339),
		"id":           alert.ID,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agentwatch/1.0")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	if customHeaders != nil {
		for key, value := range customHeaders {
			if strValue, ok := value.(string); ok {
				req.Header.Set(key, strValue)
			}
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func (w *WebhookProvider) Validate(settings map[string]interface{}) error {
	url, ok := settings["webhook_url"].(string)
	if !ok || url == "" {
		return fmt.Errorf("webhook_url is required")
	}

	return nil
}
