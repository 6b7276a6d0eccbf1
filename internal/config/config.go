// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64    // Maximum request body size in bytes.
	CORSAllowedOrigins  []string // "*" allows any origin.

	// Store settings.
	Store       string // "memory", "postgres" or "sqlite"
	DatabaseURL string // PgBouncer or direct Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY; empty disables following.
	SQLitePath  string

	// Completion gateway settings.
	GatewayURL    string
	GatewayAPIKey string
	GatewayModel  string

	// Run settings.
	PhasePacing  float64       // Scale applied to every phase delay; 0 disables pacing.
	RunRetention time.Duration // How long finished runs stay in memory.

	// Rate limiting of workflow submissions.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
	RedisURL         string // Shares the limit across instances when set.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		DatabaseURL:        envStr("DATABASE_URL", ""),
		NotifyURL:          envStr("NOTIFY_URL", ""),
		SQLitePath:         envStr("METAORCHA_SQLITE_PATH", "metaorcha.db"),
		Store:              envStr("METAORCHA_STORE", "memory"),
		GatewayURL:         envStr("METAORCHA_GATEWAY_URL", "https://ai.gateway.lovable.dev"),
		GatewayAPIKey:      envStr("METAORCHA_GATEWAY_API_KEY", envStr("LOVABLE_API_KEY", "")),
		GatewayModel:       envStr("METAORCHA_GATEWAY_MODEL", "google/gemini-3-flash-preview"),
		CORSAllowedOrigins: envList("METAORCHA_CORS_ALLOWED_ORIGINS", []string{"*"}),
		RedisURL:           envStr("METAORCHA_REDIS_URL", ""),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "metaorcha"),
		LogLevel:           envStr("METAORCHA_LOG_LEVEL", "info"),
	}

	var err error
	cfg.Port, err = envInt("METAORCHA_PORT", 8000)
	collect(err)
	cfg.ReadTimeout, err = envDuration("METAORCHA_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("METAORCHA_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	bodyBytes, err := envInt("METAORCHA_MAX_REQUEST_BODY_BYTES", 64*1024)
	collect(err)
	cfg.MaxRequestBodyBytes = int64(bodyBytes)
	cfg.PhasePacing, err = envFloat("METAORCHA_PHASE_PACING", 1.0)
	collect(err)
	cfg.RunRetention, err = envDuration("METAORCHA_RUN_RETENTION", 10*time.Minute)
	collect(err)
	cfg.RateLimitEnabled, err = envBool("METAORCHA_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("METAORCHA_RATE_LIMIT_RPS", 2)
	collect(err)
	cfg.RateLimitBurst, err = envInt("METAORCHA_RATE_LIMIT_BURST", 10)
	collect(err)
	cfg.OTELInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: METAORCHA_PORT must be between 1 and 65535")
	}
	switch c.Store {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when METAORCHA_STORE=postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("config: METAORCHA_SQLITE_PATH is required when METAORCHA_STORE=sqlite")
		}
	default:
		return fmt.Errorf("config: METAORCHA_STORE must be memory, postgres or sqlite, got %q", c.Store)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: METAORCHA_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.PhasePacing < 0 {
		return fmt.Errorf("config: METAORCHA_PHASE_PACING must not be negative")
	}
	if c.RunRetention <= 0 {
		return fmt.Errorf("config: METAORCHA_RUN_RETENTION must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: METAORCHA_RATE_LIMIT_RPS and METAORCHA_RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// GatewayConfigured reports whether workflows can reach a completion gateway.
func (c Config) GatewayConfigured() bool {
	return c.GatewayAPIKey != "" && c.GatewayURL != ""
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
