package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("redis_addr = %q", cfg.RedisAddr)
	}
	if cfg.SessionTTLSeconds != 30 {
		t.Errorf("session_ttl_seconds = %d", cfg.SessionTTLSeconds)
	}
	if cfg.RateLimits.Init != 20 || cfg.RateLimits.Verify != 60 ||
		cfg.RateLimits.Proximity != 30 || cfg.RateLimits.Poll != 120 {
		t.Errorf("rate limits = %+v", cfg.RateLimits)
	}
	if cfg.Registry.CacheTTLSeconds != 3600 {
		t.Errorf("registry cache ttl = %d", cfg.Registry.CacheTTLSeconds)
	}
	if cfg.WS.MaxPerChannel != 5 {
		t.Errorf("ws max_per_channel = %d", cfg.WS.MaxPerChannel)
	}
	if cfg.Registry.TestSSL {
		t.Error("test_ssl must default to off")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9090"
redis_addr: "redis.internal:6380"
log_level: debug
session_ttl_seconds: 45
rate_limits:
  init: 5
  verify: 10
  proximity: 15
  poll: 20
registry:
  snapshot_path: /var/lib/broker/anchors.json
  cache_ttl_seconds: 600
  test_ssl: true
ws:
  max_per_channel: 2
  allow_same_ip: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.RedisAddr != "redis.internal:6380" {
		t.Errorf("addrs: %q %q", cfg.ListenAddr, cfg.RedisAddr)
	}
	if cfg.SessionTTLSeconds != 45 {
		t.Errorf("session_ttl_seconds = %d", cfg.SessionTTLSeconds)
	}
	if cfg.RateLimits.Init != 5 || cfg.RateLimits.Poll != 20 {
		t.Errorf("rate limits = %+v", cfg.RateLimits)
	}
	if !cfg.Registry.TestSSL || cfg.Registry.SnapshotPath != "/var/lib/broker/anchors.json" {
		t.Errorf("registry = %+v", cfg.Registry)
	}
	if cfg.WS.MaxPerChannel != 2 || !cfg.WS.AllowSameIP {
		t.Errorf("ws = %+v", cfg.WS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "store.internal")
	t.Setenv("REDIS_PORT", "7000")
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("TEST_SSL_MODE", "true")
	t.Setenv("WS_ALLOW_SAME_IP", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisAddr != "store.internal:7000" {
		t.Errorf("redis_addr = %q, want store.internal:7000", cfg.RedisAddr)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if !cfg.Registry.TestSSL {
		t.Error("TEST_SSL_MODE=true not applied")
	}
	if !cfg.WS.AllowSameIP {
		t.Error("WS_ALLOW_SAME_IP=1 not applied")
	}
}

func TestRedisAddrWinsOverHostPort(t *testing.T) {
	t.Setenv("REDIS_ADDR", "addr.internal:6379")
	t.Setenv("REDIS_HOST", "host.internal")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisAddr != "addr.internal:6379" {
		t.Errorf("redis_addr = %q, want addr.internal:6379", cfg.RedisAddr)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, "log_level: verbose\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for bad log level")
	}
}

func TestValidateRejectsNegativeLimit(t *testing.T) {
	path := writeConfig(t, "rate_limits:\n  init: -1\n  verify: 60\n  proximity: 30\n  poll: 120\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for negative rate limit")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/broker.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
