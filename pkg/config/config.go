package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/crowsandbox/crow/internal/backoff"

	"gopkg.in/yaml.v3"
)

const (
	RecoveryRequeue = "requeue"
	RecoveryFail    = "fail"
	RecoveryOff     = "off"
)

type Config struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metricsPort"`
	Env         string `yaml:"env"`
	Version     string `yaml:"version"`
	Timezone    string `yaml:"timezone"`
	LogLevel    string `yaml:"logLevel"`
	LogFormat   string `yaml:"logFormat"`
	LogFile     string `yaml:"logFile"`

	PollIntervalSeconds      int `yaml:"pollIntervalSeconds"`
	MaxConcurrency           int `yaml:"maxConcurrency"`
	ExecutionTimeoutSeconds  int `yaml:"executionTimeoutSeconds"`
	TeardownTimeoutSeconds   int `yaml:"teardownTimeoutSeconds"`
	ShutdownTimeoutSeconds   int `yaml:"shutdownTimeoutSeconds"`
	StoreHealthCheckSeconds  int `yaml:"storeHealthCheckSeconds"`
	StoreOperationTimeoutSec int `yaml:"storeOperationTimeoutSeconds"`

	RedisAddr     string          `yaml:"redisAddr"`
	RedisPassword string          `yaml:"redisPassword"`
	DatabaseURL   string          `yaml:"databaseUrl"`
	Store         ProviderSection `yaml:"store"`

	UploadDir      string `yaml:"uploadDir"`
	ResultsDir     string `yaml:"resultsDir"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`

	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Recovery RecoveryConfig `yaml:"recovery"`

	BackoffPolicy      string `yaml:"backoffPolicy"`
	BackoffBaseSeconds int    `yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds  int    `yaml:"backoffMaxSeconds"`

	TracingEnabled   bool    `yaml:"tracingEnabled"`
	OTLPEndpoint     string  `yaml:"otlpEndpoint"`
	OTLPInsecure     bool    `yaml:"otlpInsecure"`
	TraceSampleRatio float64 `yaml:"traceSampleRatio"`

	// Auth guards the submission API. An empty type disables authentication (dev only).
	Auth ProviderSection `yaml:"auth"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig holds per-operation token buckets for the HTTP API. A bucket
// with zero rate or burst is disabled.
type RateLimitConfig struct {
	Submit RateLimitBucketConfig `yaml:"submit"`
	Read   RateLimitBucketConfig `yaml:"read"`
}

type RateLimitBucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

// ProviderSection selects a pluggable implementation by name. Config is kept
// as a generic map so each provider can decode its own JSON shape.
type ProviderSection struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

func (p ProviderSection) RawConfig() (json.RawMessage, error) {
	if p.Config == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(p.Config)
	if err != nil {
		return nil, fmt.Errorf("encode %s provider config: %w", p.Type, err)
	}
	return b, nil
}

type SandboxConfig struct {
	Backend     string   `yaml:"backend"`
	Image       string   `yaml:"image"`
	Command     []string `yaml:"command"`
	IdleCommand []string `yaml:"idleCommand"`
	ArtifactDir string   `yaml:"artifactDir"`
	MemoryBytes int64    `yaml:"memoryBytes"`
	CPUMillis   int64    `yaml:"cpuMillis"`
	PidsLimit   int64    `yaml:"pidsLimit"`
	// AllowNetwork keeps the sandbox attached to a network. Off by default.
	AllowNetwork        bool   `yaml:"allowNetwork"`
	PullImage           bool   `yaml:"pullImage"`
	DockerHost          string `yaml:"dockerHost"`
	Kubeconfig          string `yaml:"kubeconfig"`
	Namespace           string `yaml:"namespace"`
	StartTimeoutSeconds int    `yaml:"startTimeoutSeconds"`
}

type RecoveryConfig struct {
	Policy          string `yaml:"policy"`
	IntervalSeconds int    `yaml:"intervalSeconds"`
	// Multiplier of the execution timeout after which a Running job is stale.
	Multiplier  int `yaml:"multiplier"`
	MaxAttempts int `yaml:"maxAttempts"`
	BatchSize   int `yaml:"batchSize"`
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds) * time.Second
}

func (c *Config) TeardownTimeout() time.Duration {
	return time.Duration(c.TeardownTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// StaleAfter is the claimed_at age past which a Running job is considered abandoned.
func (c *Config) StaleAfter() time.Duration {
	return c.ExecutionTimeout()*time.Duration(c.Recovery.Multiplier) + c.TeardownTimeout()
}

// LoadConfig reads filePath and applies env overrides and defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

// LoadConfigOptional behaves like LoadConfig but treats an empty or missing
// path as an empty file, so env-only deployments work.
func LoadConfigOptional(filePath string) (*Config, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath != "" {
		cfg, err := LoadConfig(filePath)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Printf("config file %s not found, using env and defaults", filePath)
	}
	var c Config
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyEnv() {
	envInt("PORT", &c.Port)
	envInt("METRICS_PORT", &c.MetricsPort)
	envString("ENV", &c.Env)
	envString("TIMEZONE", &c.Timezone)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("LOG_FILE", &c.LogFile)
	envInt("POLL_INTERVAL_SECONDS", &c.PollIntervalSeconds)
	envInt("MAX_CONCURRENCY", &c.MaxConcurrency)
	envInt("EXECUTION_TIMEOUT_SECONDS", &c.ExecutionTimeoutSeconds)
	envInt("TEARDOWN_TIMEOUT_SECONDS", &c.TeardownTimeoutSeconds)
	envInt("SHUTDOWN_TIMEOUT_SECONDS", &c.ShutdownTimeoutSeconds)
	envString("STORE_TYPE", &c.Store.Type)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envString("DATABASE_URL", &c.DatabaseURL)
	envString("UPLOAD_DIR", &c.UploadDir)
	envString("RESULTS_DIR", &c.ResultsDir)
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxUploadBytes = n
		}
	}
	envString("SANDBOX_BACKEND", &c.Sandbox.Backend)
	envString("SANDBOX_IMAGE", &c.Sandbox.Image)
	envString("DOCKER_HOST", &c.Sandbox.DockerHost)
	envString("KUBECONFIG", &c.Sandbox.Kubeconfig)
	envString("SANDBOX_NAMESPACE", &c.Sandbox.Namespace)
	envString("RECOVERY_POLICY", &c.Recovery.Policy)
	envInt("RECOVERY_INTERVAL_SECONDS", &c.Recovery.IntervalSeconds)
	envString("BACKOFF_POLICY", &c.BackoffPolicy)
	envInt("BACKOFF_BASE_SECONDS", &c.BackoffBaseSeconds)
	envInt("BACKOFF_MAX_SECONDS", &c.BackoffMaxSeconds)
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		c.TracingEnabled = v == "true" || v == "1"
	}
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		c.OTLPInsecure = v == "true" || v == "1"
	}
	if v := os.Getenv("TRACE_SAMPLE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.TraceSampleRatio = f
		}
	}
	envString("CROW_VERSION", &c.Version)
	envInt("RATE_LIMIT_SUBMIT_PER_MINUTE", &c.RateLimit.Submit.RequestsPerMinute)
	envInt("RATE_LIMIT_SUBMIT_BURST", &c.RateLimit.Submit.BurstSize)
	envString("AUTH_PROVIDER", &c.Auth.Type)
	if v := os.Getenv("AUTH_STATIC_TOKEN"); v != "" {
		c.Auth.Type = "static"
		c.Auth.Config = map[string]any{"token": v}
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 9090
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9091
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 5
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.ExecutionTimeoutSeconds <= 0 {
		c.ExecutionTimeoutSeconds = 300
	}
	if c.TeardownTimeoutSeconds <= 0 {
		c.TeardownTimeoutSeconds = 30
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		c.ShutdownTimeoutSeconds = c.ExecutionTimeoutSeconds + c.TeardownTimeoutSeconds
	}
	if c.StoreHealthCheckSeconds <= 0 {
		c.StoreHealthCheckSeconds = 5
	}
	if c.StoreOperationTimeoutSec <= 0 {
		c.StoreOperationTimeoutSec = 10
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.Store.Type == "" {
		c.Store.Type = "redis"
	}
	if c.Store.Config == nil {
		switch c.Store.Type {
		case "redis":
			c.Store.Config = map[string]any{"addr": c.RedisAddr, "password": c.RedisPassword}
		case "postgres":
			c.Store.Config = map[string]any{"dsn": c.DatabaseURL}
		}
	}
	if c.UploadDir == "" {
		c.UploadDir = "uploads"
	}
	if c.ResultsDir == "" {
		c.ResultsDir = "results"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 64 << 20
	}

	if c.Sandbox.Backend == "" {
		c.Sandbox.Backend = "docker"
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "crow/sandbox:latest"
	}
	if len(c.Sandbox.Command) == 0 {
		c.Sandbox.Command = []string{"/opt/crow/analyze"}
	}
	if len(c.Sandbox.IdleCommand) == 0 {
		c.Sandbox.IdleCommand = []string{"sleep", "infinity"}
	}
	if c.Sandbox.ArtifactDir == "" {
		c.Sandbox.ArtifactDir = "/sandbox/input"
	}
	if c.Sandbox.MemoryBytes <= 0 {
		c.Sandbox.MemoryBytes = 512 << 20
	}
	if c.Sandbox.CPUMillis <= 0 {
		c.Sandbox.CPUMillis = 1000
	}
	if c.Sandbox.PidsLimit <= 0 {
		c.Sandbox.PidsLimit = 256
	}
	if c.Sandbox.Namespace == "" {
		c.Sandbox.Namespace = "crow-sandbox"
	}
	if c.Sandbox.StartTimeoutSeconds <= 0 {
		c.Sandbox.StartTimeoutSeconds = 60
	}

	if c.Recovery.Policy == "" {
		c.Recovery.Policy = RecoveryRequeue
	}
	if c.Recovery.IntervalSeconds <= 0 {
		c.Recovery.IntervalSeconds = 60
	}
	if c.Recovery.Multiplier <= 0 {
		c.Recovery.Multiplier = 2
	}
	if c.Recovery.MaxAttempts <= 0 {
		c.Recovery.MaxAttempts = 3
	}
	if c.Recovery.BatchSize <= 0 {
		c.Recovery.BatchSize = 100
	}

	if c.BackoffPolicy == "" {
		c.BackoffPolicy = "exp_full_jitter"
	}
	if c.BackoffBaseSeconds <= 0 {
		c.BackoffBaseSeconds = 1
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = 30
	}
}

func (c *Config) Validate() error {
	var errs []string
	env := strings.ToLower(strings.TrimSpace(c.Env))
	dev := env == "dev"

	if c.MaxConcurrency < 1 {
		errs = append(errs, "maxConcurrency must be >= 1")
	}
	if c.PollIntervalSeconds < 1 {
		errs = append(errs, "pollIntervalSeconds must be >= 1")
	}
	if c.ExecutionTimeoutSeconds < 1 {
		errs = append(errs, "executionTimeoutSeconds must be >= 1")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, "logFormat must be json or text")
	}
	switch c.Store.Type {
	case "redis", "postgres", "memory":
	default:
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}
	if c.Store.Type == "memory" && !dev {
		errs = append(errs, "memory store is only allowed in dev")
	}
	if c.Store.Type == "postgres" && c.Store.Config["dsn"] == "" {
		errs = append(errs, "databaseUrl (store.config.dsn) is required for the postgres store")
	}
	switch c.Sandbox.Backend {
	case "docker", "kubernetes":
	default:
		errs = append(errs, fmt.Sprintf("unknown sandbox backend %q", c.Sandbox.Backend))
	}
	if strings.TrimSpace(c.Sandbox.Image) == "" {
		errs = append(errs, "sandbox.image is required")
	}
	switch c.Recovery.Policy {
	case RecoveryRequeue, RecoveryFail, RecoveryOff:
	default:
		errs = append(errs, "recovery.policy must be requeue, fail or off")
	}
	if b := c.RateLimit.Submit; b.RequestsPerMinute < 0 || b.BurstSize < 0 {
		errs = append(errs, "rateLimit.submit values must be >= 0")
	}
	if b := c.RateLimit.Read; b.RequestsPerMinute < 0 || b.BurstSize < 0 {
		errs = append(errs, "rateLimit.read values must be >= 0")
	}
	if _, err := backoff.ParsePolicy(c.BackoffPolicy); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Auth.Type == "" && !dev {
		errs = append(errs, "auth.type is required in non-dev")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
