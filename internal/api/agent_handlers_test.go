package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/avernalabs/agentwatch/internal/liveness"
)

type fakeMonitor struct {
	tracked map[string]liveness.AgentStatus
}

func (f *fakeMonitor) Snapshot() []liveness.AgentStatus {
	out := make([]liveness.AgentStatus, 0, len(f.tracked))
	for _, st := range f.tracked {
		out = append(out, st)
	}
	return out
}

func (f *fakeMonitor) Status(agentID string) (liveness.AgentStatus, error) {
	st, ok := f.tracked[agentID]
	if !ok {
		return liveness.AgentStatus{}, liveness.ErrNotTracked
	}
	return st, nil
}

func (f *fakeMonitor) ReportDeath(ctx context.Context, agentID string) error {
	if _, ok := f.tracked[agentID]; !ok {
		return liveness.ErrNotTracked
	}
	return nil
}

type capturedEvent struct {
	Type    string
	AgentID string
	Payload interface{}
}

type fakeEventPublisher struct {
	events []capturedEvent
}

func (f *fakeEventPublisher) Publish(eventType, agentID string, payload interface{}) error {
	f.events = append(f.events, capturedEvent{Type: eventType, AgentID: agentID, Payload: payload})
	return nil
}

func decisionRouter(monitor LivenessMonitor, hub EventPublisher) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/agents/{id}/decision", HandlePublishDecision(monitor, hub))
	return r
}

func TestHandlePublishDecision(t *testing.T) {
	monitor := &fakeMonitor{tracked: map[string]liveness.AgentStatus{
		"0xAA": {AgentID: "0xAA", IsAlive: true},
	}}
	hub := &fakeEventPublisher{}
	router := decisionRouter(monitor, hub)

	artifact := `{"action":"rebalance","confidence":0.92}`
	req := httptest.NewRequest(http.MethodPost, "/api/agents/0xAA/decision", strings.NewReader(artifact))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	if len(hub.events) != 1 {
		t.Fatalf("published events = %d, want 1", len(hub.events))
	}
	ev := hub.events[0]
	if ev.Type != "decision" || ev.AgentID != "0xAA" {
		t.Errorf("event = %s/%s, want decision/0xAA", ev.Type, ev.AgentID)
	}

	raw, ok := ev.Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("payload type = %T, want json.RawMessage", ev.Payload)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if decoded["action"] != "rebalance" {
		t.Errorf("payload action = %v, want rebalance", decoded["action"])
	}
}

func TestHandlePublishDecision_UntrackedAgent(t *testing.T) {
	monitor := &fakeMonitor{tracked: map[string]liveness.AgentStatus{}}
	hub := &fakeEventPublisher{}
	router := decisionRouter(monitor, hub)

	req := httptest.NewRequest(http.MethodPost, "/api/agents/0xZZ/decision", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if len(hub.events) != 0 {
		t.Errorf("published events = %d, want 0", len(hub.events))
	}
}

func TestHandlePublishDecision_InvalidBody(t *testing.T) {
	monitor := &fakeMonitor{tracked: map[string]liveness.AgentStatus{
		"0xAA": {AgentID: "0xAA"},
	}}
	hub := &fakeEventPublisher{}
	router := decisionRouter(monitor, hub)

	for _, body := range []string{"", "not-json{"} {
		req := httptest.NewRequest(http.MethodPost, "/api/agents/0xAA/decision", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if len(hub.events) != 0 {
		t.Errorf("published events = %d, want 0", len(hub.events))
	}
}
