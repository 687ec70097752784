package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoadConfigOptional_EmptyPath tests loading when file path is empty
func TestLoadConfigOptional_EmptyPath(t *testing.T) {
	t.Setenv("PORT", "9999")

	cfg, err := LoadConfigOptional("")
	if err != nil {
		t.Fatalf("LoadConfigOptional with empty path should not error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected non-nil config")
	}
	if cfg.Port != 9999 {
		t.Errorf("Expected Port=9999 from env, got %d", cfg.Port)
	}
}

func TestLoadConfigOptional_WhitespacePath(t *testing.T) {
	cfg, err := LoadConfigOptional("   ")
	if err != nil {
		t.Fatalf("LoadConfigOptional with whitespace path should not error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected non-nil config")
	}
}

func TestLoadConfigOptional_FileNotExist(t *testing.T) {
	nonExistentPath := filepath.Join(t.TempDir(), "config-does-not-exist.yaml")

	cfg, err := LoadConfigOptional(nonExistentPath)
	if err != nil {
		t.Fatalf("LoadConfigOptional with non-existent file should not error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected non-nil config")
	}
}

func TestLoadConfigOptional_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	invalidYAML := `
port: 8080
redisAddr: "localhost:6379"
  invalid indentation here
  more bad yaml
`
	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := LoadConfigOptional(configPath); err == nil {
		t.Fatal("Expected error when loading invalid YAML, got nil")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfigOptional("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Errorf("expected 5s poll interval, got %s", cfg.PollInterval())
	}
	if cfg.MaxConcurrency != 4 {
		t.Errorf("expected default concurrency 4, got %d", cfg.MaxConcurrency)
	}
	if cfg.ExecutionTimeout() != 300*time.Second {
		t.Errorf("expected 300s execution timeout, got %s", cfg.ExecutionTimeout())
	}
	if cfg.Store.Type != "redis" || cfg.Store.Config["addr"] != "localhost:6379" {
		t.Errorf("unexpected default store: %+v", cfg.Store)
	}
	if cfg.Recovery.Policy != RecoveryRequeue {
		t.Errorf("expected requeue recovery by default, got %q", cfg.Recovery.Policy)
	}
	if cfg.Sandbox.Backend != "docker" || cfg.Sandbox.AllowNetwork {
		t.Errorf("unexpected sandbox defaults: %+v", cfg.Sandbox)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate in dev: %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "valid.yaml")
	validYAML := `
port: 8088
env: test
logFormat: text
maxConcurrency: 2
executionTimeoutSeconds: 30
store:
  type: postgres
  config:
    dsn: postgres://crow:crow@db:5432/crow
    maxConns: 8
sandbox:
  backend: kubernetes
  image: registry.local/crow-sandbox:1
  command: ["/bin/analyze", "--json"]
recovery:
  policy: fail
  multiplier: 3
auth:
  type: static
  config:
    token: t-1
`
	if err := os.WriteFile(configPath, []byte(validYAML), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	cfg, err := LoadConfigOptional(configPath)
	if err != nil {
		t.Fatalf("LoadConfigOptional: %v", err)
	}
	if cfg.Port != 8088 || cfg.Env != "test" || cfg.LogFormat != "text" {
		t.Errorf("unexpected top-level values: port=%d env=%q format=%q", cfg.Port, cfg.Env, cfg.LogFormat)
	}
	if cfg.Sandbox.Backend != "kubernetes" || len(cfg.Sandbox.Command) != 2 {
		t.Errorf("unexpected sandbox: %+v", cfg.Sandbox)
	}
	if cfg.StaleAfter() != 90*time.Second+cfg.TeardownTimeout() {
		t.Errorf("unexpected stale threshold %s", cfg.StaleAfter())
	}

	raw, err := cfg.Store.RawConfig()
	if err != nil {
		t.Fatalf("RawConfig: %v", err)
	}
	var storeCfg struct {
		DSN      string `json:"dsn"`
		MaxConns int    `json:"maxConns"`
	}
	if err := json.Unmarshal(raw, &storeCfg); err != nil {
		t.Fatalf("decode store config: %v", err)
	}
	if storeCfg.DSN != "postgres://crow:crow@db:5432/crow" || storeCfg.MaxConns != 8 {
		t.Errorf("unexpected store config %+v", storeCfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config: %v", err)
	}
}

func TestLoadConfigOptional_EnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
port: 8080
redisAddr: "localhost:6379"
maxConcurrency: 8
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	t.Setenv("PORT", "9095")
	t.Setenv("REDIS_ADDR", "env-redis:6380")
	t.Setenv("MAX_CONCURRENCY", "3")
	t.Setenv("AUTH_STATIC_TOKEN", "secret")
	t.Setenv("RATE_LIMIT_SUBMIT_PER_MINUTE", "30")
	t.Setenv("RATE_LIMIT_SUBMIT_BURST", "5")

	cfg, err := LoadConfigOptional(configPath)
	if err != nil {
		t.Fatalf("LoadConfigOptional should not error: %v", err)
	}
	if cfg.Port != 9095 {
		t.Errorf("Expected Port=9095 from env, got %d", cfg.Port)
	}
	if cfg.RedisAddr != "env-redis:6380" || cfg.Store.Config["addr"] != "env-redis:6380" {
		t.Errorf("Expected redis address from env, got %q / %v", cfg.RedisAddr, cfg.Store.Config["addr"])
	}
	if cfg.MaxConcurrency != 3 {
		t.Errorf("Expected MaxConcurrency=3 from env, got %d", cfg.MaxConcurrency)
	}
	if cfg.Auth.Type != "static" || cfg.Auth.Config["token"] != "secret" {
		t.Errorf("Expected static auth from env, got %+v", cfg.Auth)
	}
	if cfg.RateLimit.Submit != (RateLimitBucketConfig{RequestsPerMinute: 30, BurstSize: 5}) {
		t.Errorf("Expected submit rate limit from env, got %+v", cfg.RateLimit.Submit)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfigOptional("")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Sandbox.Backend = "firecracker" }, "unknown sandbox backend"},
		{"unknown store", func(c *Config) { c.Store.Type = "etcd" }, "unknown store type"},
		{"memory outside dev", func(c *Config) { c.Env = "prod"; c.Store.Type = "memory"; c.Auth.Type = "static" }, "memory store"},
		{"bad recovery policy", func(c *Config) { c.Recovery.Policy = "retry" }, "recovery.policy"},
		{"auth required in prod", func(c *Config) { c.Env = "prod" }, "auth.type"},
		{"postgres without dsn", func(c *Config) { c.Store = ProviderSection{Type: "postgres", Config: map[string]any{"dsn": ""}} }, "databaseUrl"},
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }, "maxConcurrency"},
		{"negative submit rate", func(c *Config) { c.RateLimit.Submit.BurstSize = -1 }, "rateLimit.submit"},
		{"unknown backoff policy", func(c *Config) { c.BackoffPolicy = "sometimes" }, "unknown backoff policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
