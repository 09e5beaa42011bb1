package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NumWorkers  int

	DispatchInterval time.Duration

	// OptOutCancelScope is "channel" (cancel pending deliveries on the
	// channel the opt-out arrived on) or "all".
	OptOutCancelScope string

	EmailProviderURL   string
	EmailAPIKey        string
	EmailWebhookSecret string
	EmailRatePerSecond int

	SMSProviderURL   string
	SMSAPIKey        string
	SMSWebhookSecret string
	SMSRatePerSecond int
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		NumWorkers:  getEnvInt("NUM_WORKERS", 20),

		DispatchInterval: time.Duration(getEnvInt("DISPATCH_INTERVAL_SECONDS", 5)) * time.Second,

		OptOutCancelScope: getEnv("OPT_OUT_CANCEL_SCOPE", "channel"),

		EmailProviderURL:   getEnv("EMAIL_PROVIDER_URL", ""),
		EmailAPIKey:        getEnv("EMAIL_API_KEY", ""),
		EmailWebhookSecret: getEnv("EMAIL_WEBHOOK_SECRET", ""),
		EmailRatePerSecond: getEnvInt("EMAIL_RATE_PER_SECOND", 50),

		SMSProviderURL:   getEnv("SMS_PROVIDER_URL", ""),
		SMSAPIKey:        getEnv("SMS_API_KEY", ""),
		SMSWebhookSecret: getEnv("SMS_WEBHOOK_SECRET", ""),
		SMSRatePerSecond: getEnvInt("SMS_RATE_PER_SECOND", 10),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.OptOutCancelScope != "channel" && cfg.OptOutCancelScope != "all" {
		return nil, fmt.Errorf("OPT_OUT_CANCEL_SCOPE must be \"channel\" or \"all\", got %q", cfg.OptOutCancelScope)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}
