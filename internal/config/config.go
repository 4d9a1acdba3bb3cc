// Package config provides the configuration schema, loader and LLM provider
// registry for procagent.
package config

import (
	"time"

	"github.com/MrWong99/procagent/internal/mcp"
	"github.com/MrWong99/procagent/internal/tool/procedure"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Driver selects the database adapter.
type Driver string

const (
	// DriverPostgres calls PostgreSQL functions or procedures through pgx.
	DriverPostgres Driver = "postgres"

	// DriverSQLite runs named SQL statements against a SQLite file.
	DriverSQLite Driver = "sqlite"

	// DriverNone runs without a database; only non-procedure tools are offered.
	DriverNone Driver = "none"
)

// IsValid reports whether d is a recognised driver.
func (d Driver) IsValid() bool {
	return d == DriverPostgres || d == DriverSQLite || d == DriverNone
}

// CatalogStore selects where the tenant tool catalog lives.
type CatalogStore string

const (
	CatalogMemory   CatalogStore = "memory"
	CatalogPostgres CatalogStore = "postgres"
)

// IsValid reports whether s is a recognised catalog store.
func (s CatalogStore) IsValid() bool {
	return s == CatalogMemory || s == CatalogPostgres
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Database  DatabaseConfig  `yaml:"database"`
	Agent     AgentConfig     `yaml:"agent"`
	Builtin   BuiltinConfig   `yaml:"builtin"`
	Export    ExportConfig    `yaml:"export"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	MCP       MCPConfig       `yaml:"mcp"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Tools are the stored-procedure tools offered to every tenant.
	Tools []procedure.Definition `yaml:"tools"`

	// ToolsFile is a TOML file with additional [[tools]] tables. Relative
	// paths resolve against the config file's directory.
	ToolsFile string `yaml:"tools_file"`
}

// ServerConfig holds network, session and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// BaseURL is the public address of the API, used in download links.
	// Default: http://localhost plus the listen port.
	BaseURL string `yaml:"base_url"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// SessionTTL evicts chat sessions idle for longer. Default: 1h. A
	// negative value keeps sessions until they are deleted.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// MCPPath mounts an MCP Streamable HTTP endpoint exposing the shared tool
	// registry (e.g., "/mcp"). Empty disables it.
	MCPPath string `yaml:"mcp_path"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures HTTPS. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry configures one LLM backend. The Name field is used to look
// up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "azure", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. For "azure" it
	// is the resource endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model or, for Azure, the deployment name.
	Model string `yaml:"model"`

	// Options holds provider-specific values, e.g. "api_version" for Azure.
	Options map[string]any `yaml:"options"`
}

// Option returns the string option key, or def when it is absent.
func (p ProviderEntry) Option(key, def string) string {
	if v, ok := p.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// LLMConfig configures the chat-completion provider and its failover chain.
type LLMConfig struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are tried in order when the primary fails or its circuit
	// breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Temperature is the sampling temperature. Zero keeps the provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps each completion. Zero keeps the provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// DatabaseConfig configures the adapter that stored-procedure tools call.
type DatabaseConfig struct {
	Driver Driver `yaml:"driver"`

	// DSN is the connection string. For postgres it may contain {tenant},
	// which selects a per-tenant shard. For sqlite it is the file path.
	DSN string `yaml:"dsn"`

	// DefaultTenant is used for calls that carry no tenant (CLI, /dispatch).
	DefaultTenant string `yaml:"default_tenant"`

	// Mode is "select" (functions) or "call" (procedures). Postgres only.
	Mode string `yaml:"mode"`

	// ParamPrefix is prepended to every argument name. Postgres only.
	ParamPrefix string `yaml:"param_prefix"`

	// Statements maps procedure names to SQL. SQLite only.
	Statements map[string]string `yaml:"statements"`

	// Setup is a SQL script run once after opening. SQLite only.
	Setup string `yaml:"setup"`

	// Breaker tunes the circuit breaker in front of each shard.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes a circuit breaker. Zero values use the defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AgentConfig tunes the conversation loop.
type AgentConfig struct {
	// MaxIterations caps model round trips per message. Zero derives it from
	// the catalog size.
	MaxIterations int `yaml:"max_iterations"`

	// SystemPrompt is a text/template with {{.TenantID}} and {{.Date}}.
	// Empty uses the built-in prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// BuiltinConfig selects the built-in utility tools.
type BuiltinConfig struct {
	// Enabled lists built-in tool names. Empty enables all of them.
	Enabled []string `yaml:"enabled"`

	// Disabled turns every built-in tool off.
	Disabled bool `yaml:"disabled"`

	Weather WeatherConfig `yaml:"weather"`
}

// WeatherConfig configures get_weather. The tool is off without a base URL.
type WeatherConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// ExportConfig configures the ExportToExcel tool.
type ExportConfig struct {
	// Dir receives the workbooks. Default: "exports".
	Dir string `yaml:"dir"`

	// Disabled removes the export tool.
	Disabled bool `yaml:"disabled"`
}

// CatalogConfig configures the per-tenant stored-procedure catalog.
type CatalogConfig struct {
	// Store is "memory" (default) or "postgres".
	Store CatalogStore `yaml:"store"`

	// DSN is the catalog database. Required for the postgres store.
	DSN string `yaml:"dsn"`
}

// MCPConfig lists external MCP servers whose tools are imported.
type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default: "procagent".
	ServiceName string `yaml:"service_name"`

	// MetricsPath serves Prometheus metrics. Default: "/metrics". "-" disables.
	MetricsPath string `yaml:"metrics_path"`
}
