package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/avernalabs/agentwatch/internal/alert"
	"github.com/avernalabs/agentwatch/internal/liveness"
	"github.com/avernalabs/agentwatch/internal/websocket"
)

// LivenessMonitor is the monitor surface the API consumes
type LivenessMonitor interface {
	Snapshot() []liveness.AgentStatus
	Status(agentID string) (liveness.AgentStatus, error)
	ReportDeath(ctx context.Context, agentID string) error
}

// EventPublisher forwards realtime events to dashboard subscribers
type EventPublisher interface {
	Publish(eventType, agentID string, payload interface{}) error
}

// AlertReader exposes dispatch history and counters
type AlertReader interface {
	History(limit int) []alert.DispatchRecord
	Stats() alert.Stats
}

// HandleListAgents returns a liveness snapshot of all tracked agents
func HandleListAgents(monitor LivenessMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, monitor.Snapshot())
	}
}

// HandleGetAgent returns the liveness snapshot for one agent
func HandleGetAgent(monitor LivenessMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "id")

		status, err := monitor.Status(agentID)
		if err != nil {
			if errors.Is(err, liveness.ErrNotTracked) {
				http.Error(w, "Agent not tracked", http.StatusNotFound)
			} else {
				http.Error(w, "Failed to fetch agent", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, status)
	}
}

// HandleReportDeath accepts an explicit death signal for an agent
func HandleReportDeath(monitor LivenessMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "id")

		if err := monitor.ReportDeath(r.Context(), agentID); err != nil {
			if errors.Is(err, liveness.ErrNotTracked) {
				http.Error(w, "Agent not tracked", http.StatusNotFound)
			} else {
				http.Error(w, "Failed to record death", http.StatusInternalServerError)
			}
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

// HandlePublishDecision ingests a decision artifact for an agent and
// forwards it to dashboard subscribers as a decision event. The artifact
// body is passed through opaquely; it only has to be valid JSON.
func HandlePublishDecision(monitor LivenessMonitor, hub EventPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "id")

		if _, err := monitor.Status(agentID); err != nil {
			if errors.Is(err, liveness.ErrNotTracked) {
				http.Error(w, "Agent not tracked", http.StatusNotFound)
			} else {
				http.Error(w, "Failed to fetch agent", http.StatusInternalServerError)
			}
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
		if err != nil {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) == 0 || !json.Valid(body) {
			http.Error(w, "Decision artifact must be valid JSON", http.StatusBadRequest)
			return
		}

		if err := hub.Publish(websocket.EventDecision, agentID, json.RawMessage(body)); err != nil {
			http.Error(w, "Failed to publish decision", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

// HandleAlertHistory returns the most recent dispatch records
func HandleAlertHistory(alerts AlertReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		writeJSON(w, alerts.History(limit))
	}
}

// HandleAlertStats returns aggregate dispatch counters
func HandleAlertStats(alerts AlertReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, alerts.Stats())
	}
}
