package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port        int
	Environment string
	Database    DatabaseConfig
	JWTSecret   string
	CORSOrigins []string
	NATS        NATSConfig
	Monitor     MonitorConfig
	Alert       AlertConfig
	Channels    []ChannelConfig
	DockerHost  string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string // postgres
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// NATSConfig holds heartbeat-ingest configuration
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// MonitorConfig holds heartbeat monitor configuration
type MonitorConfig struct {
	PollInterval        time.Duration
	DefaultInterval     time.Duration // expected heartbeat cadence when unset on the agent
	DefaultGraceMult    float64
	MaxConcurrentChecks int
}

// AlertConfig holds alert dispatch configuration
type AlertConfig struct {
	Cooldown       time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	RequestTimeout time.Duration
	HistorySize    int
}

// ChannelConfig describes one configured notification channel
type ChannelConfig struct {
	Type     string // discord, slack, webhook, smtp
	Name     string
	Settings map[string]interface{}
}

// Load loads configuration from environment variables
func Load() *Config {
	env := getEnv("ENVIRONMENT", "production")
	jwtSecret := loadJWTSecret(env)

	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		Environment: env,
		Database: DatabaseConfig{
			Type:         getEnv("DATABASE_TYPE", "postgres"),
			DSN:          getEnv("DATABASE_DSN", buildPostgresDSN()),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		JWTSecret:   jwtSecret,
		CORSOrigins: loadCORSOrigins(env),
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "heartbeat."),
		},
		Monitor: MonitorConfig{
			PollInterval:        getEnvDuration("POLL_INTERVAL", 60*time.Second),
			DefaultInterval:     getEnvDuration("DEFAULT_HEARTBEAT_INTERVAL", time.Hour),
			DefaultGraceMult:    getEnvFloat("DEFAULT_GRACE_MULTIPLIER", 1.5),
			MaxConcurrentChecks: getEnvInt("MAX_CONCURRENT_CHECKS", 10),
		},
		Alert: AlertConfig{
			Cooldown:       getEnvDuration("ALERT_COOLDOWN", 5*time.Minute),
			MaxAttempts:    getEnvInt("ALERT_MAX_ATTEMPTS", 3),
			BaseDelay:      getEnvDuration("ALERT_BASE_DELAY", time.Second),
			RequestTimeout: getEnvDuration("ALERT_REQUEST_TIMEOUT", 10*time.Second),
			HistorySize:    getEnvInt("ALERT_HISTORY_SIZE", 1000),
		},
		Channels:   loadChannels(),
		DockerHost: getEnv("DOCKER_HOST", ""),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	return cfg
}

func buildPostgresDSN() string {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "agentwatch")
	password := getEnv("POSTGRES_PASSWORD", "secret")
	dbName := getEnv("POSTGRES_DB", "agentwatch")
	sslMode := getEnv("POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   dbName,
	}

	query := u.Query()
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

// loadChannels builds the notification channel list from environment
// variables. A channel with no endpoint configured is simply absent.
func loadChannels() []ChannelConfig {
	var channels []ChannelConfig

	if webhook := os.Getenv("DISCORD_WEBHOOK_URL"); webhook != "" {
		channels = append(channels, ChannelConfig{
			Type: "discord",
			Name: "discord",
			Settings: map[string]interface{}{
				"webhook_url": webhook,
				"username":    getEnv("DISCORD_USERNAME", "agentwatch"),
			},
		})
	}

	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		channels = append(channels, ChannelConfig{
			Type: "slack",
			Name: "slack",
			Settings: map[string]interface{}{
				"webhook_url": webhook,
				"channel":     getEnv("SLACK_CHANNEL", ""),
				"username":    getEnv("SLACK_USERNAME", "agentwatch"),
			},
		})
	}

	if webhook := os.Getenv("ALERT_WEBHOOK_URL"); webhook != "" {
		channels = append(channels, ChannelConfig{
			Type: "webhook",
			Name: "webhook",
			Settings: map[string]interface{}{
				"webhook_url": webhook,
				"auth_token":  getEnv("ALERT_WEBHOOK_TOKEN", ""),
			},
		})
	}

	if host := os.Getenv("SMTP_HOST"); host != "" {
		channels = append(channels, ChannelConfig{
			Type: "smtp",
			Name: "smtp",
			Settings: map[string]interface{}{
				"smtp_host":     host,
				"smtp_port":     float64(getEnvInt("SMTP_PORT", 587)),
				"smtp_username": getEnv("SMTP_USERNAME", ""),
				"smtp_password": getEnv("SMTP_PASSWORD", ""),
				"from_email":    getEnv("SMTP_FROM", ""),
				"to_email":      getEnv("SMTP_TO", ""),
			},
		})
	}

	return channels
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}

		// Check for insecure default secrets
		insecureSecrets := []string{
			"change-this-secret-in-production",
			"change-me-in-production",
			"secret",
			"password",
			"changeme",
		}
		for _, insecure := range insecureSecrets {
			if c.JWTSecret == insecure {
				return fmt.Errorf("JWT_SECRET is set to an insecure default value. Please set a strong random secret")
			}
		}
	}

	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("at least one CORS origin must be configured")
	}

	if c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.Monitor.DefaultGraceMult < 1.0 {
		return fmt.Errorf("DEFAULT_GRACE_MULTIPLIER must be >= 1.0, got %v", c.Monitor.DefaultGraceMult)
	}

	if c.Alert.MaxAttempts < 1 {
		return fmt.Errorf("ALERT_MAX_ATTEMPTS must be >= 1")
	}

	if c.Alert.HistorySize < 1 {
		return fmt.Errorf("ALERT_HISTORY_SIZE must be >= 1")
	}

	return nil
}

func loadJWTSecret(env string) string {
	secret := os.Getenv("JWT_SECRET")

	// If JWT_SECRET is not set, generate a random one for development
	if secret == "" {
		if env == "production" {
			log.Fatal("FATAL: JWT_SECRET environment variable is required in production")
		}

		log.Println("WARNING: JWT_SECRET not set. Generating random secret for development.")
		log.Println("WARNING: This secret will change on restart. Set JWT_SECRET in production!")
		return generateRandomSecret()
	}

	if len(secret) < 16 {
		log.Fatal("FATAL: JWT_SECRET must be at least 16 characters long")
	}

	return secret
}

func loadCORSOrigins(env string) []string {
	if appURL := getAppURL(); appURL != "" {
		return []string{appURL}
	}

	if env == "development" {
		return []string{"http://localhost:3000", "http://localhost:8080"}
	}

	log.Println("WARNING: APP_URL not set. Using default localhost origins.")
	log.Println("WARNING: Set APP_URL environment variable for production deployments.")
	return []string{"http://localhost:3000", "http://localhost:8080"}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare numbers are treated as seconds
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		log.Fatal("Failed to generate random secret:", err)
	}
	return base64.URLEncoding.EncodeToString(bytes)
}

func getAppURL() string {
	appURL := os.Getenv("APP_URL")
	if appURL == "" {
		return ""
	}
	return strings.TrimRight(appURL, "/")
}
