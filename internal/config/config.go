// Package config provides YAML configuration loading and validation for the
// verification broker, with environment overrides for the knobs that vary
// per deployment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/govverify/broker/internal/ratelimit"
)

// Config is the top-level configuration structure for the broker.
type Config struct {
	// ListenAddr is the HTTP listener address (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// RedisAddr is the host:port of the shared key-value store. Required
	// (the broker cannot serve without it).
	RedisAddr string `yaml:"redis_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// SessionTTLSeconds is the session lifetime. Defaults to 30.
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`

	// RateLimits are the per-minute request budgets per operation.
	RateLimits ratelimit.Limits `yaml:"rate_limits"`

	// Registry configures the trust-anchor sources.
	Registry RegistryConfig `yaml:"registry"`

	// WS configures the notification socket layer.
	WS WSConfig `yaml:"ws"`
}

// RegistryConfig holds the trust-anchor registry sources and refresh policy.
type RegistryConfig struct {
	// SnapshotPath is the local JSON snapshot of official domains.
	SnapshotPath string `yaml:"snapshot_path"`

	// FeedURL is the paginated upstream feed of official domains.
	FeedURL string `yaml:"feed_url"`

	// CacheTTLSeconds is how long a loaded anchor set stays fresh.
	// Defaults to 3600.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	// TestSSL trusts *.badssl.com hosts. Never enable in production.
	TestSSL bool `yaml:"test_ssl"`
}

// WSConfig holds notification socket settings.
type WSConfig struct {
	// MaxPerChannel bounds concurrent sockets per channel key. Defaults
	// to 5.
	MaxPerChannel int `yaml:"max_per_channel"`

	// AllowSameIP disables the guard refusing sockets whose peer IP equals
	// the originating browser's IP. Test environments only.
	AllowSameIP bool `yaml:"allow_same_ip"`
}

// SessionTTL returns the session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// RegistryCacheTTL returns the anchor-set freshness window as a duration.
func (c *Config) RegistryCacheTTL() time.Duration {
	return time.Duration(c.Registry.CacheTTLSeconds) * time.Second
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path (optional; an empty path yields a
// default configuration), applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides config fields from the environment. REDIS_HOST and
// REDIS_PORT compose the store address the way the surrounding deployment
// sets them; REDIS_ADDR wins when both forms are present.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	} else if host := os.Getenv("REDIS_HOST"); host != "" {
		port := os.Getenv("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		cfg.RedisAddr = net.JoinHostPort(host, port)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REGISTRY_SNAPSHOT_PATH"); v != "" {
		cfg.Registry.SnapshotPath = v
	}
	if v := os.Getenv("REGISTRY_FEED_URL"); v != "" {
		cfg.Registry.FeedURL = v
	}
	if truthy(os.Getenv("TEST_SSL_MODE")) {
		cfg.Registry.TestSSL = true
	}
	if truthy(os.Getenv("WS_ALLOW_SAME_IP")) {
		cfg.WS.AllowSameIP = true
	}
}

// truthy interprets common boolean environment values.
func truthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SessionTTLSeconds <= 0 {
		cfg.SessionTTLSeconds = 30
	}
	if cfg.RateLimits == (ratelimit.Limits{}) {
		cfg.RateLimits = ratelimit.DefaultLimits()
	}
	if cfg.Registry.CacheTTLSeconds <= 0 {
		cfg.Registry.CacheTTLSeconds = 3600
	}
	if cfg.WS.MaxPerChannel <= 0 {
		cfg.WS.MaxPerChannel = 5
	}
}

// validate checks that enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, errors.New("redis_addr is required"))
	}
	for _, l := range []struct {
		name  string
		value int
	}{
		{"rate_limits.init", cfg.RateLimits.Init},
		{"rate_limits.verify", cfg.RateLimits.Verify},
		{"rate_limits.proximity", cfg.RateLimits.Proximity},
		{"rate_limits.poll", cfg.RateLimits.Poll},
	} {
		if l.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", l.name))
		}
	}

	return errors.Join(errs...)
}
