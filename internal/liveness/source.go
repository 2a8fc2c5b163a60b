// Package liveness tracks per-agent heartbeat state and raises
// missing-heartbeat incidents when an agent goes quiet past its grace
// window.
package liveness

import (
	"context"
	"time"
)

// Sample is one liveness observation for an agent.
type Sample struct {
	// LastSeenAt is the timestamp of the last confirmed heartbeat.
	LastSeenAt time.Time `json:"lastSeenAt"`

	// Nonce is the monotonically increasing heartbeat counter. A nonce
	// that does not advance means no new heartbeat, regardless of what
	// the timestamp claims.
	Nonce uint64 `json:"nonce"`
}

// Source supplies last-known heartbeat data for agents. Implementations
// wrap the on-chain liveness counter, a message bus, or a test fake.
//
// An error return means the fetch itself failed; it is never a liveness
// verdict. A zero Sample with a nil error means no heartbeat has been
// observed for the agent yet.
type Source interface {
	GetHeartbeat(ctx context.Context, agentID string) (Sample, error)
}
