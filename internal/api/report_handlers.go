package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avernalabs/agentwatch/internal/report"
)

// HandleListActiveReports returns all open and acknowledged reports
func HandleListActiveReports(store report.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports, err := store.ListActive()
		if err != nil {
			http.Error(w, "Failed to fetch reports", http.StatusInternalServerError)
			return
		}

		writeJSON(w, reports)
	}
}

// HandleGetReport returns a single report by ID
func HandleGetReport(store report.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reportID := chi.URLParam(r, "id")

		rep, err := store.Get(reportID)
		if err != nil {
			if errors.Is(err, report.ErrNotFound) {
				http.Error(w, "Report not found", http.StatusNotFound)
			} else {
				http.Error(w, "Failed to fetch report", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, rep)
	}
}

// HandleListAgentReports returns all reports for one agent, newest first
func HandleListAgentReports(store report.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "agentId")

		reports, err := store.ListByAgent(agentID)
		if err != nil {
			http.Error(w, "Failed to fetch reports", http.StatusInternalServerError)
			return
		}

		writeJSON(w, reports)
	}
}

// HandleAcknowledgeReport marks a report acknowledged
func HandleAcknowledgeReport(store report.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reportID := chi.URLParam(r, "id")

		rep, err := store.Acknowledge(reportID)
		if err != nil {
			switch {
			case errors.Is(err, report.ErrNotFound):
				http.Error(w, "Report not found", http.StatusNotFound)
			case errors.Is(err, report.ErrInvalidTransition):
				http.Error(w, "Report is already resolved", http.StatusConflict)
			default:
				http.Error(w, "Failed to acknowledge report", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, rep)
	}
}

// HandleResolveReport marks a report resolved. Resolving twice is fine;
// operator action and automatic resolution may race.
func HandleResolveReport(store report.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reportID := chi.URLParam(r, "id")

		rep, err := store.Resolve(reportID)
		if err != nil {
			if errors.Is(err, report.ErrNotFound) {
				http.Error(w, "Report not found", http.StatusNotFound)
			} else {
				http.Error(w, "Failed to resolve report", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, rep)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
