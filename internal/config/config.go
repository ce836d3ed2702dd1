// Package config handles loading and validating runbox configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for runbox.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.runbox/workspace. Override: RUNBOX_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.runbox/data. Override: RUNBOX_DATA_DIR env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Policy        *PolicyConfig        `json:"policy,omitempty" yaml:"policy,omitempty"` // nil = built-in allow/deny lists
	Source        SourceConfig         `json:"source" yaml:"source"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
}

// SandboxConfig configures the guest runtime and its resource limits.
type SandboxConfig struct {
	Type             string              `json:"type" yaml:"type"`                             // "process" (default) or "docker". Override: RUNBOX_SANDBOX_TYPE.
	Interpreter      string              `json:"interpreter" yaml:"interpreter"`               // Guest interpreter. Default: "python3".
	Isolation        string              `json:"isolation" yaml:"isolation"`                   // Process runtime confinement: "namespace" (default) or "none". Override: RUNBOX_SANDBOX_ISOLATION.
	TimeoutSeconds   int                 `json:"timeout_seconds" yaml:"timeout_seconds"`       // Wall-clock limit. Default: 30.
	MaxMemoryMB      int                 `json:"max_memory_mb" yaml:"max_memory_mb"`           // Memory ceiling. Default: 256.
	MaxOutputBytes   int64               `json:"max_output_bytes" yaml:"max_output_bytes"`     // Per-stream capture cap. Default: 1 MB.
	MaxConcurrent    int                 `json:"max_concurrent" yaml:"max_concurrent"`         // Concurrent guests. Default: 2 x CPU.
	MemoryPollMillis int                 `json:"memory_poll_millis" yaml:"memory_poll_millis"` // RSS sampling interval. Default: 50.
	Docker           DockerSandboxConfig `json:"docker" yaml:"docker"`
}

// Timeout returns the wall-clock limit with a default of 30s.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MemoryBytes returns the memory ceiling with a default of 256 MB.
func (s SandboxConfig) MemoryBytes() int64 {
	if s.MaxMemoryMB > 0 {
		return int64(s.MaxMemoryMB) << 20
	}
	return 256 << 20
}

// OutputBytes returns the per-stream capture cap with a default of 1 MB.
func (s SandboxConfig) OutputBytes() int64 {
	if s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return 1 << 20
}

// Concurrency returns the maximum number of concurrent guests.
func (s SandboxConfig) Concurrency() int {
	if s.MaxConcurrent > 0 {
		return s.MaxConcurrent
	}
	return 2 * runtime.NumCPU()
}

// MemoryPollInterval returns the RSS sampling interval.
func (s SandboxConfig) MemoryPollInterval() time.Duration {
	if s.MemoryPollMillis > 0 {
		return time.Duration(s.MemoryPollMillis) * time.Millisecond
	}
	return 50 * time.Millisecond
}

// InterpreterName returns the guest interpreter, defaulting to python3.
func (s SandboxConfig) InterpreterName() string {
	if s.Interpreter != "" {
		return s.Interpreter
	}
	return "python3"
}

// IsolationMode returns the process runtime confinement, defaulting to "namespace".
func (s SandboxConfig) IsolationMode() string {
	if s.Isolation != "" {
		return s.Isolation
	}
	return "namespace"
}

// RuntimeType returns the configured runtime, defaulting to "process".
func (s SandboxConfig) RuntimeType() string {
	if s.Type != "" {
		return s.Type
	}
	return "process"
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image          string  `json:"image" yaml:"image"`                     // Guest image. Default: "python:3.12-slim".
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`             // NanoCPUs in cores. 0 = 1.0.
	PIDsLimit      int64   `json:"pids_limit" yaml:"pids_limit"`           // 0 = 64.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"` // false = network mode "none".
	PullImage      bool    `json:"pull_image" yaml:"pull_image"`           // Pull the image at startup.
}

// PolicyConfig overrides the capability allow/deny lists.
// Empty lists fall back to the built-in defaults.
type PolicyConfig struct {
	AllowedModules   []string `json:"allowed_modules" yaml:"allowed_modules"`
	DeniedOperations []string `json:"denied_operations" yaml:"denied_operations"`
}

// SourceConfig configures script resolution.
type SourceConfig struct {
	AllowedPaths   []string `json:"allowed_paths" yaml:"allowed_paths"`       // Roots for is_file scripts. Default: <workspace>/scripts.
	MaxSourceBytes int64    `json:"max_source_bytes" yaml:"max_source_bytes"` // Default: 1 MB.
}

// SourceBytes returns the source ceiling with a default of 1 MB.
func (s SourceConfig) SourceBytes() int64 {
	if s.MaxSourceBytes > 0 {
		return s.MaxSourceBytes
	}
	return 1 << 20
}

// StorageConfig configures the execution record store.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver        string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "none".
	SQLite        *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres      *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
	RetentionDays int                    `json:"retention_days" yaml:"retention_days"`         // 0 = keep forever.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// Retention returns how long execution records are kept. 0 = forever.
func (s *StorageConfig) Retention() time.Duration {
	if s != nil && s.RetentionDays > 0 {
		return time.Duration(s.RetentionDays) * 24 * time.Hour
	}
	return 0
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/runbox.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: RUNBOX_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "runbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// HealthOrDefault returns the health settings. Both checks are on when
// observability or health is not configured.
func (o *ObservabilityConfig) HealthOrDefault() HealthConfig {
	if o == nil || o.Health == nil {
		return HealthConfig{IncludeDB: true, IncludeSandbox: true}
	}
	return *o.Health
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed executions
	ViolationThreshold float64 `json:"violation_threshold" yaml:"violation_threshold"`   // e.g. 0.2 = 20% capability violations
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// GatewaysConfig defines which gateways are enabled and their settings.
// Nil pointers mean the gateway is not configured.
type GatewaysConfig struct {
	HTTP  *HTTPGatewayConfig  `json:"http,omitempty" yaml:"http,omitempty"`
	MCP   *MCPGatewayConfig   `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	Kafka *KafkaGatewayConfig `json:"kafka,omitempty" yaml:"kafka,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-user request throttling.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// MCPGatewayConfig exposes the run_script tool to MCP clients over streamable HTTP.
// The stdio transport is always available through the "mcp" command.
type MCPGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Mounted on the HTTP gateway. Default: "/mcp".
}

// EndpointPath returns the MCP endpoint path with a default of "/mcp".
func (m *MCPGatewayConfig) EndpointPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/mcp"
}

// KafkaGatewayConfig configures the message-driven worker.
type KafkaGatewayConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Brokers      []string `json:"brokers" yaml:"brokers"` // Override: RUNBOX_KAFKA_BROKERS (comma separated).
	RequestTopic string   `json:"request_topic" yaml:"request_topic"`
	ResultTopic  string   `json:"result_topic" yaml:"result_topic"`
	GroupID      string   `json:"group_id" yaml:"group_id"`       // Default: "runbox-worker".
	Concurrency  int      `json:"concurrency" yaml:"concurrency"` // Parallel executions per worker. Default: 1.
}

// Workers returns the worker concurrency with a default of 1.
func (k *KafkaGatewayConfig) Workers() int {
	if k != nil && k.Concurrency > 0 {
		return k.Concurrency
	}
	return 1
}

// DefaultConfigPath returns the default config file path (~/.runbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/runbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".runbox", "config.yaml")
}

// Default returns a configuration with every section at its built-in default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.resolveDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.resolveDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("RUNBOX_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("RUNBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RUNBOX_SANDBOX_TYPE"); v != "" {
		c.Sandbox.Type = v
	}
	if v := os.Getenv("RUNBOX_SANDBOX_ISOLATION"); v != "" {
		c.Sandbox.Isolation = v
	}
	if v := os.Getenv("RUNBOX_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("RUNBOX_API_KEY"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		if c.Gateways.HTTP.APIKeyUserMapping == nil {
			c.Gateways.HTTP.APIKeyUserMapping = make(map[string]string)
		}
		c.Gateways.HTTP.APIKeyUserMapping[v] = "default"
	}
	if v := os.Getenv("RUNBOX_KAFKA_BROKERS"); v != "" {
		if c.Gateways.Kafka == nil {
			c.Gateways.Kafka = &KafkaGatewayConfig{}
		}
		c.Gateways.Kafka.Brokers = splitList(v)
	}
}

func (c *Config) resolveDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".runbox", "data")
		}
	}
	if k := c.Gateways.Kafka; k != nil && k.GroupID == "" {
		k.GroupID = "runbox-worker"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".runbox", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "runbox.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	switch c.Sandbox.RuntimeType() {
	case "process", "docker":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	switch c.Sandbox.IsolationMode() {
	case "namespace", "none":
	default:
		return fmt.Errorf("sandbox.isolation %q is not supported (use namespace or none)", c.Sandbox.Isolation)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.Source.MaxSourceBytes < 0 {
		return fmt.Errorf("source.max_source_bytes must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres", "none":
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
		}
	}
	if c.Storage.StorageDriver() == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set RUNBOX_DB_DSN)")
	}
	if h := c.Gateways.HTTP; h != nil && h.Enabled && len(h.APIKeyUserMapping) == 0 {
		return fmt.Errorf("gateways.http.api_key_user_mapping must contain at least one key (or set RUNBOX_API_KEY)")
	}
	if k := c.Gateways.Kafka; k != nil && k.Enabled {
		if len(k.Brokers) == 0 {
			return fmt.Errorf("gateways.kafka.brokers is required when kafka is enabled")
		}
		if k.RequestTopic == "" || k.ResultTopic == "" {
			return fmt.Errorf("gateways.kafka.request_topic and result_topic are required")
		}
	}
	if m := c.Gateways.MCP; m != nil && m.Enabled && (c.Gateways.HTTP == nil || !c.Gateways.HTTP.Enabled) {
		return fmt.Errorf("gateways.mcp requires the http gateway (use the mcp command for stdio)")
	}
	return nil
}
