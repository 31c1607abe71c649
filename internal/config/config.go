// Package config handles loading and validating codegate configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Sandbox modes.
const (
	ModeRestricted = "restricted-context"
	ModeIsolated   = "isolated-worker"
)

// HardMaxTimeout is the ceiling every execution timeout is clamped to,
// whatever the caller or the config file asks for.
const HardMaxTimeout = 30 * time.Second

// Config is the root configuration for codegate.
type Config struct {
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty"` // debug, info (default), warn, error.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir,omitempty"`    // Runtime state root. Default: ~/.codegate
	Server        ServerConfig         `json:"server" yaml:"server" toml:"server"`
	MCP           *MCPConfig           `json:"mcp,omitempty" yaml:"mcp,omitempty" toml:"mcp,omitempty"` // nil = MCP server disabled
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Security      SecurityConfig       `json:"security" yaml:"security" toml:"security"`
	Bindings      BindingsConfig       `json:"bindings" yaml:"bindings" toml:"bindings"`
	Backend       BackendConfig        `json:"backend" yaml:"backend" toml:"backend"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage,omitempty"`                   // nil = audit records go to the log and JSONL file only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = observability disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty" toml:"secrets,omitempty"`                   // nil = only env:// references resolve
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"` // Default: ":8080"
	APIKeys    map[string]string `json:"api_keys" yaml:"api_keys" toml:"api_keys"`          // key -> client id. Empty = unauthenticated, client id from X-Client-ID.
	EnableDocs bool              `json:"enable_docs" yaml:"enable_docs" toml:"enable_docs"`
}

// Addr returns the listen address, defaulting to ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MCPConfig configures the MCP server.
type MCPConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Transport string `json:"transport" yaml:"transport" toml:"transport"`       // "stdio" (default) or "http".
	Path      string `json:"path" yaml:"path" toml:"path"`                      // HTTP mount path. Default: "/mcp"
	Listen    string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"` // HTTP listen address. Default: ":8081"
	ClientID  string `json:"client_id" yaml:"client_id" toml:"client_id"`       // Client id used for stdio sessions. Default: "mcp"
}

// TransportName returns the MCP transport, defaulting to "stdio".
func (m *MCPConfig) TransportName() string {
	if m != nil && m.Transport != "" {
		return m.Transport
	}
	return "stdio"
}

// MountPath returns the HTTP mount path for the MCP transport.
func (m *MCPConfig) MountPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/mcp"
}

// Addr returns the HTTP transport listen address.
func (m *MCPConfig) Addr() string {
	if m != nil && m.Listen != "" {
		return m.Listen
	}
	return ":8081"
}

// StdioClientID returns the client id attributed to stdio sessions.
func (m *MCPConfig) StdioClientID() string {
	if m != nil && m.ClientID != "" {
		return m.ClientID
	}
	return "mcp"
}

// SandboxConfig configures the isolation backends.
type SandboxConfig struct {
	Mode             string        `json:"mode" yaml:"mode" toml:"mode"`                                           // "isolated-worker" (default) or "restricted-context".
	DefaultTimeoutMS int           `json:"default_timeout_ms" yaml:"default_timeout_ms" toml:"default_timeout_ms"` // Default: 30000
	MaxTimeoutMS     int           `json:"max_timeout_ms" yaml:"max_timeout_ms" toml:"max_timeout_ms"`             // Default and ceiling: 30000
	MaxConcurrent    int           `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`             // Default: 8
	MaxCallStack     int           `json:"max_call_stack" yaml:"max_call_stack" toml:"max_call_stack"`             // Default: 500
	Worker           *WorkerConfig `json:"worker,omitempty" yaml:"worker,omitempty" toml:"worker,omitempty"`
}

// WorkerConfig configures isolated worker processes.
type WorkerConfig struct {
	Launcher      string   `json:"launcher" yaml:"launcher" toml:"launcher"`                            // "process" (default) or "docker".
	Command       []string `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"` // Default: current executable + "worker".
	Warm          int      `json:"warm" yaml:"warm" toml:"warm"`                                        // Pre-started workers. Default: 2
	MaxMemoryMB   int      `json:"max_memory_mb" yaml:"max_memory_mb" toml:"max_memory_mb"`             // Address space (process) or memory (docker) limit. Default: 2048
	MaxCPUSeconds int      `json:"max_cpu_seconds" yaml:"max_cpu_seconds" toml:"max_cpu_seconds"`       // Default: 35
	Image         string   `json:"image,omitempty" yaml:"image,omitempty" toml:"image,omitempty"`       // Docker launcher image. Default: "codegate:latest"
	CPUCores      float64  `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty" toml:"cpu_cores,omitempty"`
	PIDsLimit     int      `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty" toml:"pids_limit,omitempty"`
}

// LauncherName returns the worker launcher, defaulting to "process".
func (w *WorkerConfig) LauncherName() string {
	if w != nil && w.Launcher != "" {
		return w.Launcher
	}
	return "process"
}

// CommandLine returns the worker argv, or nil for the default.
func (w *WorkerConfig) CommandLine() []string {
	if w == nil {
		return nil
	}
	return w.Command
}

// BackendMode returns the configured sandbox mode, defaulting to isolated workers.
func (s SandboxConfig) BackendMode() string {
	if s.Mode != "" {
		return s.Mode
	}
	return ModeIsolated
}

// MaxTimeout returns the effective timeout ceiling, never above HardMaxTimeout.
func (s SandboxConfig) MaxTimeout() time.Duration {
	if s.MaxTimeoutMS > 0 {
		d := time.Duration(s.MaxTimeoutMS) * time.Millisecond
		if d < HardMaxTimeout {
			return d
		}
	}
	return HardMaxTimeout
}

// DefaultTimeout returns the timeout used when a request does not set one.
func (s SandboxConfig) DefaultTimeout() time.Duration {
	if s.DefaultTimeoutMS > 0 {
		d := time.Duration(s.DefaultTimeoutMS) * time.Millisecond
		if d < s.MaxTimeout() {
			return d
		}
	}
	return s.MaxTimeout()
}

// Concurrency returns the maximum number of simultaneous executions.
func (s SandboxConfig) Concurrency() int {
	if s.MaxConcurrent > 0 {
		return s.MaxConcurrent
	}
	return 8
}

// CallStack returns the script call stack limit.
func (s SandboxConfig) CallStack() int {
	if s.MaxCallStack > 0 {
		return s.MaxCallStack
	}
	return 500
}

// WarmWorkers returns the number of pre-started workers.
func (w *WorkerConfig) WarmWorkers() int {
	if w != nil && w.Warm > 0 {
		return w.Warm
	}
	return 2
}

// MemoryMB returns the worker address space limit.
func (w *WorkerConfig) MemoryMB() int {
	if w != nil && w.MaxMemoryMB > 0 {
		return w.MaxMemoryMB
	}
	return 2048
}

// CPUSeconds returns the worker CPU time limit.
func (w *WorkerConfig) CPUSeconds() int {
	if w != nil && w.MaxCPUSeconds > 0 {
		return w.MaxCPUSeconds
	}
	return 35
}

// SecurityConfig configures code screening, rate limiting, and auditing.
type SecurityConfig struct {
	MaxCodeLength      int    `json:"max_code_length" yaml:"max_code_length" toml:"max_code_length"`                   // Default: 50000
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" toml:"rate_limit_per_minute"` // Default: 60
	MaxResultBytes     int    `json:"max_result_bytes" yaml:"max_result_bytes" toml:"max_result_bytes"`                // Default: 1 MiB
	PreviewChars       int    `json:"preview_chars" yaml:"preview_chars" toml:"preview_chars"`                         // Default: 200
	AuditLogPath       string `json:"audit_log_path" yaml:"audit_log_path" toml:"audit_log_path"`                      // Default: <data_dir>/logs/audit.jsonl
	CleanupSchedule    string `json:"cleanup_schedule" yaml:"cleanup_schedule" toml:"cleanup_schedule"`                // Cron spec. Default: "@every 1m"
}

// CodeLimit returns the maximum accepted script length.
func (s SecurityConfig) CodeLimit() int {
	if s.MaxCodeLength > 0 {
		return s.MaxCodeLength
	}
	return 50000
}

// RateLimit returns the per-client executions allowed per minute.
func (s SecurityConfig) RateLimit() int {
	if s.RateLimitPerMinute > 0 {
		return s.RateLimitPerMinute
	}
	return 60
}

// ResultLimit returns the serialized result size cap in bytes.
func (s SecurityConfig) ResultLimit() int {
	if s.MaxResultBytes > 0 {
		return s.MaxResultBytes
	}
	return 1 << 20
}

// PreviewLimit returns the code preview budget for audit records.
func (s SecurityConfig) PreviewLimit() int {
	if s.PreviewChars > 0 {
		return s.PreviewChars
	}
	return 200
}

// CleanupSpec returns the rate-limit cleanup cron spec.
func (s SecurityConfig) CleanupSpec() string {
	if s.CleanupSchedule != "" {
		return s.CleanupSchedule
	}
	return "@every 1m"
}

// BindingsConfig configures the generated script API.
type BindingsConfig struct {
	Namespace string `json:"namespace" yaml:"namespace" toml:"namespace"` // Global object name. Default: "db"
}

// GlobalName returns the global object name scripts use.
func (b BindingsConfig) GlobalName() string {
	if b.Namespace != "" {
		return b.Namespace
	}
	return "db"
}

// BackendConfig configures the database the demo operation catalog runs against.
type BackendConfig struct {
	Driver         string `json:"driver" yaml:"driver" toml:"driver"`                                                    // "sqlite" (default) or "postgres".
	DSN            string `json:"dsn" yaml:"dsn" toml:"dsn"`                                                             // Default: in-memory sqlite.
	TransactionTTL int    `json:"transaction_ttl_seconds" yaml:"transaction_ttl_seconds" toml:"transaction_ttl_seconds"` // Default: 300
	ReapSchedule   string `json:"reap_schedule" yaml:"reap_schedule" toml:"reap_schedule"`                               // Default: "@every 30s"
}

// DriverName returns the backend driver, defaulting to "sqlite".
func (b BackendConfig) DriverName() string {
	if b.Driver != "" {
		return b.Driver
	}
	return "sqlite"
}

// DataSource returns the backend DSN.
func (b BackendConfig) DataSource() string {
	if b.DSN != "" {
		return b.DSN
	}
	return "file::memory:?cache=shared"
}

// TxTTL returns how long a script transaction may stay open.
func (b BackendConfig) TxTTL() time.Duration {
	if b.TransactionTTL > 0 {
		return time.Duration(b.TransactionTTL) * time.Second
	}
	return 5 * time.Minute
}

// ReapSpec returns the cron spec for the transaction reaper.
func (b BackendConfig) ReapSpec() string {
	if b.ReapSchedule != "" {
		return b.ReapSchedule
	}
	return "@every 30s"
}

// StorageConfig configures audit record persistence.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" toml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty" toml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty" toml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"` // Default: "codegate.db"
	JournalMode string `json:"journal_mode" yaml:"journal_mode" toml:"journal_mode"`       // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN                string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxOpenConns       int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`                      // Default: 25
	MaxIdleConns       int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`                      // Default: 5
	ConnMaxLifetimeS   int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" toml:"conn_max_lifetime_s"`       // Default: 1800 (30 min)
	ApplicationName    string `json:"application_name" yaml:"application_name" toml:"application_name"`                // Default: "codegate-audit"
	StatementTimeoutMS int    `json:"statement_timeout_ms" yaml:"statement_timeout_ms" toml:"statement_timeout_ms"` // Default: 5000
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "codegate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`             // Skip TLS for dev
}

// AnomalyConfig configures per-client failure-rate detection.
type AnomalyConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	ErrorRateThreshold float64       `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	MinSamples         int           `json:"min_samples" yaml:"min_samples" toml:"min_samples"`                            // Default: 10
	WindowSeconds      int           `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds"`                   // Sliding window. Default: 300
	Alerts             *AlertsConfig `json:"alerts,omitempty" yaml:"alerts,omitempty" toml:"alerts,omitempty"`             // nil = anomalies are only logged
}

// AlertsConfig routes anomaly alerts to notification channels.
type AlertsConfig struct {
	CooldownSeconds int                  `json:"cooldown_seconds" yaml:"cooldown_seconds" toml:"cooldown_seconds"` // Per-client alert suppression. Default: 900
	Fallback        bool                 `json:"fallback" yaml:"fallback" toml:"fallback"`                         // Stop at the first channel that succeeds.
	Channels        []AlertChannelConfig `json:"channels" yaml:"channels" toml:"channels"`
}

// AlertChannelConfig is a single alert destination.
type AlertChannelConfig struct {
	Name      string `json:"name" yaml:"name" toml:"name"`
	Type      string `json:"type" yaml:"type" toml:"type"`                                                 // "webhook" or "slack"
	URL       string `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`                      // webhook target
	Token     string `json:"token,omitempty" yaml:"token,omitempty" toml:"token,omitempty"`                // slack bot token; accepts env:// and vault:// references
	ChannelID string `json:"channel_id,omitempty" yaml:"channel_id,omitempty" toml:"channel_id,omitempty"` // slack channel
}

// Cooldown returns the per-client alert cooldown, defaulting to 15 minutes.
func (a *AlertsConfig) Cooldown() time.Duration {
	if a == nil || a.CooldownSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(a.CooldownSeconds) * time.Second
}

// SecretsConfig configures secret references ("env://NAME", "vault://path#field")
// in DSNs and API keys.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty" toml:"vault,omitempty"`
}

// VaultConfig configures the HashiCorp Vault KV v2 provider.
type VaultConfig struct {
	Address       string `json:"address" yaml:"address" toml:"address"` // Overridden by VAULT_ADDR.
	Token         string `json:"token" yaml:"token" toml:"token"`       // Overridden by VAULT_TOKEN.
	Namespace     string `json:"namespace,omitempty" yaml:"namespace,omitempty" toml:"namespace,omitempty"`
	TimeoutS      int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty"` // Default: 5
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty" toml:"tls_skip_verify,omitempty"`
}

// DefaultConfigPath returns the default config file path (~/.codegate/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/codegate.yaml"
	}
	return filepath.Join(home, ".codegate", "config.yaml")
}

// Default returns a configuration with every field at its default. It is what
// the CLI runs with when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	return cfg
}

// Load reads a JSON, YAML, or TOML config file and returns a validated Config.
// The format is detected by file extension. Environment variables take
// precedence over file values.
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
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	cfg.LogLevel = goutils.Env("CODEGATE_LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = goutils.Env("CODEGATE_HOME", cfg.DataDir)
	cfg.Server.ListenAddr = goutils.Env("CODEGATE_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Sandbox.Mode = goutils.Env("CODEGATE_SANDBOX_MODE", cfg.Sandbox.Mode)
	cfg.Backend.Driver = goutils.Env("CODEGATE_BACKEND_DRIVER", cfg.Backend.Driver)
	cfg.Backend.DSN = goutils.Env("CODEGATE_BACKEND_DSN", cfg.Backend.DSN)
	cfg.Security.AuditLogPath = goutils.Env("CODEGATE_AUDIT_LOG", cfg.Security.AuditLogPath)

	if v := os.Getenv("CODEGATE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Security.RateLimitPerMinute = n
		}
	}

	// CODEGATE_API_KEYS="key1:client1,key2:client2"
	if v := os.Getenv("CODEGATE_API_KEYS"); v != "" {
		if cfg.Server.APIKeys == nil {
			cfg.Server.APIKeys = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			key, client, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok || key == "" {
				continue
			}
			cfg.Server.APIKeys[key] = client
		}
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

// StorageDriverName returns the effective audit storage driver, or "" when
// audit persistence is disabled.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return ""
}

func (c *Config) validate() error {
	switch c.Sandbox.Mode {
	case "", ModeRestricted, ModeIsolated:
	default:
		return fmt.Errorf("sandbox.mode %q is not supported (use %s or %s)", c.Sandbox.Mode, ModeIsolated, ModeRestricted)
	}
	if c.Sandbox.DefaultTimeoutMS < 0 || c.Sandbox.MaxTimeoutMS < 0 {
		return fmt.Errorf("sandbox timeouts must not be negative")
	}
	if c.Sandbox.MaxConcurrent < 0 {
		return fmt.Errorf("sandbox.max_concurrent must not be negative")
	}
	if c.Sandbox.Worker != nil {
		if c.Sandbox.Worker.MaxMemoryMB < 0 {
			return fmt.Errorf("sandbox.worker.max_memory_mb must not be negative")
		}
		if c.Sandbox.Worker.MaxCPUSeconds < 0 {
			return fmt.Errorf("sandbox.worker.max_cpu_seconds must not be negative")
		}
		switch c.Sandbox.Worker.LauncherName() {
		case "process", "docker":
		default:
			return fmt.Errorf("sandbox.worker.launcher %q is not supported (use process or docker)", c.Sandbox.Worker.Launcher)
		}
	}
	if c.Security.MaxCodeLength < 0 {
		return fmt.Errorf("security.max_code_length must not be negative")
	}
	if c.Security.RateLimitPerMinute < 0 {
		return fmt.Errorf("security.rate_limit_per_minute must not be negative")
	}
	if c.Security.MaxResultBytes < 0 {
		return fmt.Errorf("security.max_result_bytes must not be negative")
	}
	switch c.Backend.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("backend.driver %q is not supported (use sqlite or postgres)", c.Backend.Driver)
	}
	if c.Backend.Driver == "postgres" && c.Backend.DSN == "" {
		return fmt.Errorf("backend.dsn is required for postgres")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
		if c.Storage.Driver == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
			return fmt.Errorf("storage.postgres.dsn is required for postgres")
		}
	}
	if c.MCP != nil && c.MCP.Enabled {
		switch c.MCP.TransportName() {
		case "stdio", "http":
		default:
			return fmt.Errorf("mcp.transport %q is not supported (use stdio or http)", c.MCP.Transport)
		}
	}
	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled && o.Tracing.Endpoint == "" {
		return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
	}
	return nil
}
