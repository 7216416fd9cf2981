package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL   string `mapstructure:"AUTH_JWKS_URL"`

	// ClinicTimezone decides what "today" means for new appointments.
	ClinicTimezone string `mapstructure:"CLINIC_TIMEZONE"`
	FeedChannel    string `mapstructure:"FEED_CHANNEL"`

	ThrottleWindow          time.Duration `mapstructure:"THROTTLE_WINDOW"`
	DesktopDismissAfter     time.Duration `mapstructure:"DESKTOP_DISMISS_AFTER"`
	LongWaitThreshold       time.Duration `mapstructure:"LONG_WAIT_THRESHOLD"`
	PermissionPromptTimeout time.Duration `mapstructure:"PERMISSION_PROMPT_TIMEOUT"`

	OutboxWorkers    int `mapstructure:"OUTBOX_WORKERS"`
	OutboxQueueSize  int `mapstructure:"OUTBOX_QUEUE_SIZE"`
	OutboxRatePerSec int `mapstructure:"OUTBOX_RATE_PER_SEC"`
	OutboxRetryMax   int `mapstructure:"OUTBOX_RETRY_MAX"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"CLINIC_TIMEZONE", "FEED_CHANNEL",
	"THROTTLE_WINDOW", "DESKTOP_DISMISS_AFTER", "LONG_WAIT_THRESHOLD", "PERMISSION_PROMPT_TIMEOUT",
	"OUTBOX_WORKERS", "OUTBOX_QUEUE_SIZE", "OUTBOX_RATE_PER_SEC", "OUTBOX_RETRY_MAX",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("FEED_CHANNEL", "row_changes")
	v.SetDefault("THROTTLE_WINDOW", 2*time.Second)
	v.SetDefault("DESKTOP_DISMISS_AFTER", 5*time.Second)
	v.SetDefault("LONG_WAIT_THRESHOLD", 30*time.Minute)
	v.SetDefault("PERMISSION_PROMPT_TIMEOUT", 2*time.Minute)
	v.SetDefault("OUTBOX_WORKERS", 2)
	v.SetDefault("OUTBOX_QUEUE_SIZE", 512)
	v.SetDefault("OUTBOX_RATE_PER_SEC", 20)
	v.SetDefault("OUTBOX_RETRY_MAX", 3)

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// A missing .env file is fine; the environment is the primary source.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthJWTSecret == "" && cfg.AuthJWKSURL == "" {
		log.Println("WARNING: no AUTH_JWT_SECRET or AUTH_JWKS_URL set; WebSocket and REST auth will reject every token.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves ClinicTimezone, falling back to UTC when it is empty.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("load CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Production requires a
// token verification source, and every timing knob must be positive.
func (c *Config) Validate() error {
	if c.IsProduction() && c.AuthJWTSecret == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWT_SECRET or AUTH_JWKS_URL is required in production")
	}
	if c.AuthJWTSecret != "" && len(c.AuthJWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters, got %d", len(c.AuthJWTSecret))
	}
	if c.ThrottleWindow <= 0 {
		return fmt.Errorf("THROTTLE_WINDOW must be positive, got %s", c.ThrottleWindow)
	}
	if c.DesktopDismissAfter <= 0 {
		return fmt.Errorf("DESKTOP_DISMISS_AFTER must be positive, got %s", c.DesktopDismissAfter)
	}
	if c.LongWaitThreshold <= 0 {
		return fmt.Errorf("LONG_WAIT_THRESHOLD must be positive, got %s", c.LongWaitThreshold)
	}
	if c.FeedChannel == "" {
		return fmt.Errorf("FEED_CHANNEL must not be empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
