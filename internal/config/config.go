// ABOUTME: Configuration loading and parsing for opal-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opal-labs/opal-gateway/internal/ratelimit"
)

// Config represents the complete opal-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	SessionTokenTTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	SessionTokenTTLRaw string `yaml:"session_token_ttl"`
}

// RateLimitClassConfig overrides one action class budget
type RateLimitClassConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"-"`

	WindowRaw string `yaml:"window"`
}

// RateLimitConfig holds per-class rate limit overrides
type RateLimitConfig struct {
	Generic       RateLimitClassConfig `yaml:"generic"`
	ToolExecution RateLimitClassConfig `yaml:"tool_execution"`
	RegistryWrite RateLimitClassConfig `yaml:"registry_mutate"`
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	IdleTimeout time.Duration `yaml:"-"`

	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values that may be omitted from the file.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8600"
	}
	if c.Server.Name == "" {
		c.Server.Name = "opal-gateway"
	}
	if c.Auth.SessionTokenTTL == 0 {
		c.Auth.SessionTokenTTL = 24 * time.Hour
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = 30 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	for name, class := range map[string]RateLimitClassConfig{
		"generic":         c.RateLimit.Generic,
		"tool_execution":  c.RateLimit.ToolExecution,
		"registry_mutate": c.RateLimit.RegistryWrite,
	} {
		if class.Limit < 0 {
			return fmt.Errorf("rate_limit.%s.limit must not be negative", name)
		}
	}
	return nil
}

// RateClasses merges configured overrides onto the built-in class budgets.
func (c *Config) RateClasses() map[string]ratelimit.ClassConfig {
	classes := ratelimit.DefaultClasses()
	apply := func(class string, override RateLimitClassConfig) {
		cfg := classes[class]
		if override.Limit > 0 {
			cfg.Limit = override.Limit
		}
		if override.Window > 0 {
			cfg.Window = override.Window
		}
		classes[class] = cfg
	}
	apply(ratelimit.ClassGeneric, c.RateLimit.Generic)
	apply(ratelimit.ClassToolExecution, c.RateLimit.ToolExecution)
	apply(ratelimit.ClassRegistryMutate, c.RateLimit.RegistryWrite)
	return classes
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.SessionTokenTTLRaw != "" {
		cfg.Auth.SessionTokenTTL, err = time.ParseDuration(cfg.Auth.SessionTokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing session_token_ttl %q: %w", cfg.Auth.SessionTokenTTLRaw, err)
		}
	}

	if cfg.Sessions.IdleTimeoutRaw != "" {
		cfg.Sessions.IdleTimeout, err = time.ParseDuration(cfg.Sessions.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Sessions.IdleTimeoutRaw, err)
		}
	}

	for name, raw := range map[string]*RateLimitClassConfig{
		"generic":         &cfg.RateLimit.Generic,
		"tool_execution":  &cfg.RateLimit.ToolExecution,
		"registry_mutate": &cfg.RateLimit.RegistryWrite,
	} {
		if raw.WindowRaw == "" {
			continue
		}
		raw.Window, err = time.ParseDuration(raw.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing rate_limit.%s.window %q: %w", name, raw.WindowRaw, err)
		}
	}

	return nil
}
