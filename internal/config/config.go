package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string `env:"HOST, default=localhost"`
	Port int    `env:"PORT, default=4200"`

	// Database configuration
	DatabasePath string `env:"DATABASE_PATH, default=./data.db"`

	// Garmin API configuration
	GarminClientID     string `env:"GARMIN_CLIENT_ID, required"`
	GarminClientSecret string `env:"GARMIN_CLIENT_SECRET, required"`
	GarminRedirectURL  string `env:"GARMIN_REDIRECT_URL, default=http://localhost:4200/auth/garmin/callback"`

	// Webhook token expected on push notifications, either as a
	// ?token= query parameter or as a path segment
	GarminWebhookToken string `env:"GARMIN_WEBHOOK_TOKEN, required"`

	// Internal API configuration
	InternalAPIKey string `env:"INTERNAL_API_KEY, required"`
	CronSecret     string `env:"CRON_SECRET, required"`

	// Metrics configuration
	MetricsEnabled bool   `env:"METRICS_ENABLED, default=true"`
	MetricsHost    string `env:"METRICS_HOST, default=localhost"`
	MetricsPort    int    `env:"METRICS_PORT, default=4201"`

	// Sync behavior
	SyncJobTimeout       time.Duration `env:"SYNC_JOB_TIMEOUT, default=60s"`
	NightlyPageSize      int           `env:"NIGHTLY_PAGE_SIZE, default=50"`
	DailyLookbackDays    int           `env:"DAILY_LOOKBACK_DAYS, default=7"`
	ActivityLookbackDays int           `env:"ACTIVITY_LOOKBACK_DAYS, default=14"`

	// Logging configuration
	LogLevel string `env:"LOG_LEVEL, default=info"`
}

// Load reads configuration from environment variables
// It fails fast if required variables are missing
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	return &cfg, nil
}
