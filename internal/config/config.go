package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration.
type Config struct {
	// Server
	Host string
	Port string

	// Storage
	DBPath        string
	ProvidersFile string

	// Rate limiting
	RateLimitBackend string // "memory" or "redis"
	RedisURL         string
	RateLimitWindow  time.Duration

	// Failover
	MaxAttempts int
	CallTimeout time.Duration

	// Circuit breaker tunables. The exact thresholds are deployment
	// policy, not code.
	DegradedThreshold int
	OpenThreshold     int
	Cooldown          time.Duration

	// Budget enforcement
	AutoSuspend bool

	// Admin API
	AdminPassword string

	// Notification sinks
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	SMTPFrom       string
	AlertRecipient string
	WebhookURL     string
	ChatWebhookURL string
}

// Load reads configuration from the environment. A .env file is
// honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:              getEnv("HOST", "127.0.0.1"),
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("GATEWAY_DB", "gateway.db"),
		ProvidersFile:     getEnv("PROVIDERS_FILE", "providers.yaml"),
		RateLimitBackend:  getEnv("RATE_LIMIT_BACKEND", "memory"),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		MaxAttempts:       getEnvInt("MAX_ATTEMPTS", 3),
		CallTimeout:       getEnvDuration("CALL_TIMEOUT", 2*time.Minute),
		DegradedThreshold: getEnvInt("BREAKER_DEGRADED_THRESHOLD", 3),
		OpenThreshold:     getEnvInt("BREAKER_OPEN_THRESHOLD", 5),
		Cooldown:          getEnvDuration("BREAKER_COOLDOWN", time.Minute),
		AutoSuspend:       getEnvBool("AUTO_SUSPEND", true),
		AdminPassword:     getEnv("ADMIN_PASSWORD", ""),
		SMTPHost:          getEnv("SMTP_HOST", ""),
		SMTPPort:          getEnvInt("SMTP_PORT", 587),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:          getEnv("SMTP_FROM", ""),
		AlertRecipient:    getEnv("ALERT_RECIPIENT", ""),
		WebhookURL:        getEnv("ALERT_WEBHOOK_URL", ""),
		ChatWebhookURL:    getEnv("CHAT_WEBHOOK_URL", ""),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
