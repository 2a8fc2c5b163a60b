package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/avernalabs/agentwatch/internal/alert"
	"github.com/avernalabs/agentwatch/internal/api"
	"github.com/avernalabs/agentwatch/internal/config"
	"github.com/avernalabs/agentwatch/internal/database"
	"github.com/avernalabs/agentwatch/internal/deploy"
	"github.com/avernalabs/agentwatch/internal/jobs"
	"github.com/avernalabs/agentwatch/internal/liveness"
	"github.com/avernalabs/agentwatch/internal/models"
	"github.com/avernalabs/agentwatch/internal/report"
	"github.com/avernalabs/agentwatch/internal/websocket"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get database connection: %v", err)
	}
	defer sqlDB.Close()

	// Run migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize WebSocket hub
	hub := websocket.NewHub(cfg.JWTSecret, cfg.CORSOrigins)
	go hub.Run()

	// Initialize alert manager; a misconfigured channel fails fast here
	alertManager, err := alert.NewManager(alert.Config{
		Cooldown:       cfg.Alert.Cooldown,
		MaxAttempts:    cfg.Alert.MaxAttempts,
		BaseDelay:      cfg.Alert.BaseDelay,
		RequestTimeout: cfg.Alert.RequestTimeout,
		HistorySize:    cfg.Alert.HistorySize,
	}, channelsFromConfig(cfg.Channels))
	if err != nil {
		log.Fatalf("Failed to initialize alert manager: %v", err)
	}
	log.Printf("Alert manager initialized with %d channels", len(cfg.Channels))

	// Connect the liveness source
	source, cleanup, err := buildSource(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize liveness source: %v", err)
	}
	defer cleanup()

	// Deployment client is optional; without it death events are not
	// correlated with container teardown
	var deployer liveness.Deployer
	if client, err := deploy.New(cfg.DockerHost); err == nil {
		deployer = client
		defer client.Close()
	} else {
		log.Printf("WARNING: deployment client unavailable: %v", err)
	}

	// Report store
	store := report.NewGormStore(db)

	// Heartbeat monitor
	monitor := liveness.NewMonitor(liveness.Config{
		PollInterval:        cfg.Monitor.PollInterval,
		DefaultInterval:     cfg.Monitor.DefaultInterval,
		DefaultGraceMult:    cfg.Monitor.DefaultGraceMult,
		MaxConcurrentChecks: cfg.Monitor.MaxConcurrentChecks,
	}, source, store, alertManager, hub, deployer)

	// Track all active agents from the registry
	var agents []models.Agent
	if err := db.Where("active = ?", true).Find(&agents).Error; err != nil {
		log.Fatalf("Failed to load agents: %v", err)
	}
	for _, agent := range agents {
		monitor.Track(agent)
	}
	log.Printf("Tracking %d active agents", len(agents))

	monitor.Start()
	defer monitor.Stop()

	// Initialize job scheduler
	scheduler := jobs.NewScheduler(db)
	scheduler.Start()
	defer scheduler.Stop()

	// Setup API router
	router := api.NewRouter(cfg, store, monitor, alertManager, hub)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on port %d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	hub.Stop()

	log.Println("Server exited")
}

// buildSource wires the configured liveness source. With no NATS URL the
// server still runs, serving reports and the API, but cannot observe
// heartbeats.
func buildSource(cfg *config.Config) (liveness.Source, func(), error) {
	if cfg.NATS.URL == "" {
		log.Println("WARNING: NATS_URL not set. Liveness polling will see no heartbeats.")
		return noopSource{}, func() {}, nil
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	source, err := liveness.NewNATSSource(nc, cfg.NATS.SubjectPrefix)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	cleanup := func() {
		source.Close()
		nc.Close()
	}
	return source, cleanup, nil
}

// noopSource reports every fetch as a transient failure so no agent is
// ever marked missing without a real data source behind the monitor.
type noopSource struct{}

func (noopSource) GetHeartbeat(ctx context.Context, agentID string) (liveness.Sample, error) {
	return liveness.Sample{}, fmt.Errorf("no liveness source configured")
}

func channelsFromConfig(configs []config.ChannelConfig) []alert.Channel {
	channels := make([]alert.Channel, 0, len(configs))
	for _, c := range configs {
		channels = append(channels, alert.Channel{
			Type:     c.Type,
			Name:     c.Name,
			Settings: c.Settings,
		})
	}
	return channels
}
