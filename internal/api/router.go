package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/avernalabs/agentwatch/internal/config"
	"github.com/avernalabs/agentwatch/internal/report"
	"github.com/avernalabs/agentwatch/internal/websocket"
)

// NewRouter creates a new HTTP router
func NewRouter(cfg *config.Config, store report.Store, monitor LivenessMonitor, alerts AlertReader, hub *websocket.Hub) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(SecurityHeadersMiddleware(cfg))
	r.Use(NewRateLimiter(rate.Limit(20), 40).Middleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Read-only routes
		r.Get("/reports", HandleListActiveReports(store))
		r.Get("/reports/{id}", HandleGetReport(store))
		r.Get("/agents", HandleListAgents(monitor))
		r.Get("/agents/{id}", HandleGetAgent(monitor))
		r.Get("/agents/{agentId}/reports", HandleListAgentReports(store))
		r.Get("/alerts/history", HandleAlertHistory(alerts))
		r.Get("/alerts/stats", HandleAlertStats(alerts))

		// Operator actions
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.JWTSecret))

			r.Post("/reports/{id}/ack", HandleAcknowledgeReport(store))
			r.Post("/reports/{id}/resolve", HandleResolveReport(store))
			r.Post("/agents/{id}/death", HandleReportDeath(monitor))
			r.Post("/agents/{id}/decision", HandlePublishDecision(monitor, hub))
		})
	})

	// WebSocket endpoint
	r.Get("/ws", hub.HandleWebSocket)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
