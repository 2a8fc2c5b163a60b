package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// heartbeatMessage is the wire format agents publish on heartbeat.<agentID>.
type heartbeatMessage struct {
	AgentID     string    `json:"agent_id"`
	Nonce       uint64    `json:"nonce"`
	GeneratedAt time.Time `json:"generated_at"`
	Status      string    `json:"status,omitempty"`
}

// NATSSource implements Source by subscribing to agent heartbeat subjects
// and caching the latest sample per agent. Reads are served from the
// cache, so a GetHeartbeat never blocks on the bus.
type NATSSource struct {
	nc     *nats.Conn
	prefix string
	sub    *nats.Subscription

	mu     sync.RWMutex
	latest map[string]Sample
}

// NewNATSSource connects the source to a running NATS connection and
// subscribes to prefix-wildcarded heartbeat subjects.
func NewNATSSource(nc *nats.Conn, subjectPrefix string) (*NATSSource, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}

	prefix := subjectPrefix
	if prefix == "" {
		prefix = "heartbeat."
	}
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}

	s := &NATSSource{
		nc:     nc,
		prefix: prefix,
		latest: make(map[string]Sample),
	}

	sub, err := nc.Subscribe(prefix+">", s.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s>: %w", prefix, err)
	}
	s.sub = sub

	log.Printf("Liveness source subscribed to %s>", prefix)
	return s, nil
}

func (s *NATSSource) handleMessage(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		log.Printf("Failed to decode heartbeat on %s: %v", msg.Subject, err)
		return
	}

	agentID := hb.AgentID
	if agentID == "" {
		agentID = strings.TrimPrefix(msg.Subject, s.prefix)
	}
	if agentID == "" {
		return
	}

	seenAt := hb.GeneratedAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}

	s.mu.Lock()
	// Stale or replayed messages must not roll the cache backwards.
	if cur, ok := s.latest[agentID]; !ok || hb.Nonce > cur.Nonce {
		s.latest[agentID] = Sample{LastSeenAt: seenAt, Nonce: hb.Nonce}
	}
	s.mu.Unlock()
}

// GetHeartbeat returns the latest cached sample for the agent. An agent
// with no observed heartbeat yet yields a zero sample, not an error.
func (s *NATSSource) GetHeartbeat(ctx context.Context, agentID string) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if !s.nc.IsConnected() {
		return Sample{}, fmt.Errorf("nats connection unavailable")
	}

	s.mu.RLock()
	sample := s.latest[agentID]
	s.mu.RUnlock()
	return sample, nil
}

// Close drops the subscription.
func (s *NATSSource) Close() error {
	if s.sub != nil {
		return s.sub.Unsubscribe()
	}
	return nil
}
