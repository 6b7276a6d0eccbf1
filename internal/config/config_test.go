package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	v, err := envFloat("TEST_FLOAT", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.25 {
		t.Fatalf("expected 0.25, got %v", v)
	}

	t.Setenv("TEST_FLOAT_BAD", "fast")
	if _, err := envFloat("TEST_FLOAT_BAD", 1); err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " https://a.example , ,https://b.example")
	got := envList("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected list: %q", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8000 {
		t.Fatalf("expected default port 8000, got %d", cfg.Port)
	}
	if cfg.Store != "memory" {
		t.Fatalf("expected memory store by default, got %q", cfg.Store)
	}
	if cfg.RunRetention != 10*time.Minute {
		t.Fatalf("expected 10m retention, got %s", cfg.RunRetention)
	}
	if cfg.PhasePacing != 1 {
		t.Fatalf("expected pacing 1, got %v", cfg.PhasePacing)
	}
}

func TestLoadGatewayKeyFallback(t *testing.T) {
	t.Setenv("LOVABLE_API_KEY", "legacy-key")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GatewayAPIKey != "legacy-key" || !cfg.GatewayConfigured() {
		t.Fatalf("expected legacy key to configure the gateway, got %q", cfg.GatewayAPIKey)
	}

	t.Setenv("METAORCHA_GATEWAY_API_KEY", "new-key")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GatewayAPIKey != "new-key" {
		t.Fatalf("expected METAORCHA_GATEWAY_API_KEY to win, got %q", cfg.GatewayAPIKey)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("METAORCHA_PORT", "abc")
	t.Setenv("METAORCHA_PHASE_PACING", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	for _, want := range []string{"METAORCHA_PORT", "abc", "METAORCHA_PHASE_PACING"} {
		if !strings.Contains(got, want) {
			t.Fatalf("error should mention %s, got: %s", want, got)
		}
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Port:                8000,
			Store:               "memory",
			MaxRequestBodyBytes: 1024,
			PhasePacing:         1,
			RunRetention:        time.Minute,
			RateLimitEnabled:    true,
			RateLimitRPS:        1,
			RateLimitBurst:      1,
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"postgres without url", func(c *Config) { c.Store = "postgres" }, "DATABASE_URL"},
		{"postgres with url", func(c *Config) { c.Store = "postgres"; c.DatabaseURL = "postgres://x" }, ""},
		{"sqlite without path", func(c *Config) { c.Store = "sqlite" }, "METAORCHA_SQLITE_PATH"},
		{"unknown store", func(c *Config) { c.Store = "redis" }, "METAORCHA_STORE"},
		{"bad port", func(c *Config) { c.Port = 0 }, "METAORCHA_PORT"},
		{"negative pacing", func(c *Config) { c.PhasePacing = -1 }, "METAORCHA_PHASE_PACING"},
		{"zero retention", func(c *Config) { c.RunRetention = 0 }, "METAORCHA_RUN_RETENTION"},
		{"zero burst", func(c *Config) { c.RateLimitBurst = 0 }, "METAORCHA_RATE_LIMIT"},
		{"zero burst when disabled", func(c *Config) { c.RateLimitEnabled = false; c.RateLimitBurst = 0 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
