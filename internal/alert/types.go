package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Alert types
const (
	TypeMissingHeartbeat = "missing_heartbeat"
	TypeDeath            = "death"
	TypeStatusChange     = "status_change"
)

// Severity levels
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is an ephemeral notification intent. It is not persisted beyond
// the manager's bounded history.
type Alert struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel is one configured notification destination.
type Channel struct {
	Type     string // discord, slack, webhook, smtp
	Name     string
	Settings map[string]interface{}
}

// Provider defines the interface for all notification channel types
type Provider interface {
	// Name returns the unique identifier for this provider
	Name() string

	// Send delivers one alert to the channel
	Send(ctx context.Context, channel *Channel, alert *Alert) error

	// Validate validates the channel configuration
	Validate(settings map[string]interface{}) error
}

// Registry holds all registered channel providers
var (
	providers = make(map[string]Provider)
	mu        sync.RWMutex
)

// RegisterProvider registers a new channel provider
func RegisterProvider(provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	providers[provider.Name()] = provider
}

// GetProvider returns a provider by name
func GetProvider(name string) (Provider, bool) {
	mu.RLock()
	defer mu.RUnlock()
	provider, ok := providers[name]
	return provider, ok
}

// GetAllProviders returns all registered providers
func GetAllProviders() map[string]Provider {
	mu.RLock()
	defer mu.RUnlock()
	result := make(map[string]Provider)
	for k, v := range providers {
		result[k] = v
	}
	return result
}

// FormatMessage renders an alert as a plain-text body for channels
// without structured formatting (email, logs).
func FormatMessage(a *Alert) string {
	var statusEmoji string
	switch a.Severity {
	case SeverityCritical:
		statusEmoji = "🚨"
	case SeverityWarning:
		statusEmoji = "⚠️"
	default:
		statusEmoji = "ℹ️"
	}

	body := fmt.Sprintf("%s %s\n\n", statusEmoji, titleFor(a))
	body += a.Message + "\n\n"
	body += fmt.Sprintf("Agent: %s\n", a.AgentID)
	body += fmt.Sprintf("Severity: %s\n", a.Severity)
	body += fmt.Sprintf("Time: %s\n", a.Timestamp.Format(time.RFC3339))

	return body
}

func titleFor(a *Alert) string {
	switch a.Type {
	case TypeMissingHeartbeat:
		return "Agent missed heartbeat"
	case TypeDeath:
		return "Agent died"
	case TypeStatusChange:
		return "Agent status changed"
	default:
		return "Agent alert: " + strings.ReplaceAll(a.Type, "_", " ")
	}
}
