// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opal-labs/opal-gateway/internal/ratelimit"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  name: "opal-gateway"
  version: "1.2.0"

database:
  path: "./test.db"

auth:
  jwt_secret: "super-secret"
  session_token_ttl: "12h"

sessions:
  idle_timeout: "15m"

rate_limit:
  tool_execution:
    limit: 10
    window: "30s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.Version != "1.2.0" {
		t.Errorf("Server.Version = %q, want %q", cfg.Server.Version, "1.2.0")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.JWTSecret != "super-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "super-secret")
	}
	if cfg.Auth.SessionTokenTTL != 12*time.Hour {
		t.Errorf("Auth.SessionTokenTTL = %v, want %v", cfg.Auth.SessionTokenTTL, 12*time.Hour)
	}
	if cfg.Sessions.IdleTimeout != 15*time.Minute {
		t.Errorf("Sessions.IdleTimeout = %v, want %v", cfg.Sessions.IdleTimeout, 15*time.Minute)
	}
	if cfg.RateLimit.ToolExecution.Limit != 10 {
		t.Errorf("RateLimit.ToolExecution.Limit = %d, want 10", cfg.RateLimit.ToolExecution.Limit)
	}
	if cfg.RateLimit.ToolExecution.Window != 30*time.Second {
		t.Errorf("RateLimit.ToolExecution.Window = %v, want %v", cfg.RateLimit.ToolExecution.Window, 30*time.Second)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":8600" {
		t.Errorf("Server.HTTPAddr = %q, want default %q", cfg.Server.HTTPAddr, ":8600")
	}
	if cfg.Server.Name != "opal-gateway" {
		t.Errorf("Server.Name = %q, want default %q", cfg.Server.Name, "opal-gateway")
	}
	if cfg.Auth.SessionTokenTTL != 24*time.Hour {
		t.Errorf("Auth.SessionTokenTTL = %v, want default %v", cfg.Auth.SessionTokenTTL, 24*time.Hour)
	}
	if cfg.Sessions.IdleTimeout != 30*time.Minute {
		t.Errorf("Sessions.IdleTimeout = %v, want default %v", cfg.Sessions.IdleTimeout, 30*time.Minute)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default %q", cfg.Logging.Level, "info")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("OPAL_TEST_SECRET", "from-env")

	configPath := writeConfig(t, `
database:
  path: "./test.db"
auth:
  jwt_secret: "${OPAL_TEST_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "from-env")
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
auth:
  jwt_secret: "x${OPAL_DEFINITELY_UNSET_VAR}y"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "xy" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "xy")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
  session_token_ttl: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "session_token_ttl") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing database path",
			content: "auth:\n  jwt_secret: \"s\"\n",
			wantErr: "database.path is required",
		},
		{
			name:    "missing jwt secret",
			content: "database:\n  path: \"./x.db\"\n",
			wantErr: "auth.jwt_secret is required",
		},
		{
			name: "negative rate limit",
			content: `
database:
  path: "./x.db"
auth:
  jwt_secret: "s"
rate_limit:
  generic:
    limit: -1
`,
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRateClasses_MergesOverrides(t *testing.T) {
	cfg := &Config{
		RateLimit: RateLimitConfig{
			ToolExecution: RateLimitClassConfig{Limit: 5, Window: 10 * time.Second},
		},
	}

	classes := cfg.RateClasses()

	defaults := ratelimit.DefaultClasses()
	if classes[ratelimit.ClassGeneric] != defaults[ratelimit.ClassGeneric] {
		t.Errorf("generic class changed without override: %+v", classes[ratelimit.ClassGeneric])
	}
	got := classes[ratelimit.ClassToolExecution]
	if got.Limit != 5 || got.Window != 10*time.Second {
		t.Errorf("tool_execution = %+v, want limit 5 window 10s", got)
	}
}
