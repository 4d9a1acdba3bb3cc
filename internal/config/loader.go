package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/procagent/internal/agent"
	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/tool/builtin"
	"github.com/MrWong99/procagent/internal/tool/procedure"
	"github.com/MrWong99/procagent/pkg/provider/llm/anyllm"
)

// Environment variables that override file values after decoding.
const (
	EnvAPIKey      = "PROCAGENT_LLM_API_KEY"
	EnvAPIKeyShort = "AI_KEY"
	EnvDatabaseDSN = "PROCAGENT_DATABASE_DSN"
	EnvLogLevel    = "PROCAGENT_LOG_LEVEL"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8000"
	DefaultTenant          = "default"
	DefaultExportDir       = "exports"
	DefaultMetricsPath     = "/metrics"
	DefaultSessionTTL      = time.Hour
	DefaultShutdownTimeout = 10 * time.Second
)

// envRef matches ${VAR}. Bare $VAR is left alone: SQLite statements use it
// for named parameters.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces every ${VAR} in s with the value of VAR.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// ValidProviderNames lists the LLM provider names registered by default.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = append([]string{"azure"}, anyllm.Backends...)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. ${VAR} references in the file are expanded from the environment
// before decoding, and a relative tools_file is resolved against the
// directory of path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if cfg.ToolsFile != "" && !filepath.IsAbs(cfg.ToolsFile) {
		cfg.ToolsFile = filepath.Join(filepath.Dir(path), cfg.ToolsFile)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the environment variables read through getenv.
// The long API key variable wins over the short one.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvAPIKeyShort); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := getenv(EnvAPIKey); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := getenv(EnvDatabaseDSN); v != "" {
		cfg.Database.DSN = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.BaseURL == "" {
		port := "8000"
		if _, p, err := net.SplitHostPort(cfg.Server.ListenAddr); err == nil && p != "" {
			port = p
		}
		cfg.Server.BaseURL = "http://localhost:" + port
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.SessionTTL == 0 {
		cfg.Server.SessionTTL = DefaultSessionTTL
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverNone
		if cfg.Database.DSN != "" {
			cfg.Database.Driver = DriverPostgres
		}
	}
	if cfg.Database.DefaultTenant == "" {
		cfg.Database.DefaultTenant = DefaultTenant
	}
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = DefaultExportDir
	}
	if cfg.Catalog.Store == "" {
		cfg.Catalog.Store = CatalogMemory
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "procagent"
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// LLM
	if cfg.LLM.Name == "" {
		slog.Warn("llm.name is empty; chat is unavailable until a provider is configured")
	}
	validateProviderName("llm", cfg.LLM.Name)
	for i, fb := range cfg.LLM.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("llm.fallbacks[%d].name is required", i))
		}
		validateProviderName(fmt.Sprintf("llm.fallbacks[%d]", i), fb.Name)
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must not be negative"))
	}

	// Database
	d := cfg.Database
	if d.Driver != "" && !d.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("database.driver %q is invalid; valid values: postgres, sqlite, none", d.Driver))
	}
	if (d.Driver == DriverPostgres || d.Driver == DriverSQLite) && d.DSN == "" {
		errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", d.Driver))
	}
	if d.Mode != "" && d.Mode != "select" && d.Mode != "call" {
		errs = append(errs, fmt.Errorf("database.mode %q is invalid; valid values: select, call", d.Mode))
	}
	if d.DefaultTenant != "" {
		if err := db.ValidateTenant(d.DefaultTenant); err != nil {
			errs = append(errs, fmt.Errorf("database.default_tenant: %w", err))
		}
	}
	if d.Driver == DriverPostgres && len(d.Statements) > 0 {
		slog.Warn("database.statements is ignored by the postgres driver")
	}
	if d.Driver == DriverNone && (len(cfg.Tools) > 0 || cfg.ToolsFile != "") {
		slog.Warn("stored-procedure tools are configured but database.driver is none; they will not be registered")
	}
	if d.Breaker.MaxFailures < 0 || d.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("database.breaker values must not be negative"))
	}

	// Tools
	errs = append(errs, ValidateTools("tools", cfg.Tools)...)

	// Agent
	if cfg.Agent.MaxIterations < 0 {
		errs = append(errs, errors.New("agent.max_iterations must not be negative"))
	}
	if _, err := agent.RenderPrompt(cfg.Agent.SystemPrompt, agent.NewPromptData(DefaultTenant, time.Now())); err != nil {
		errs = append(errs, fmt.Errorf("agent.system_prompt: %w", err))
	}

	// Builtin
	for i, name := range cfg.Builtin.Enabled {
		if !slices.Contains(builtin.Names, name) {
			errs = append(errs, fmt.Errorf("builtin.enabled[%d] %q is not a built-in tool; valid values: %v", i, name, builtin.Names))
		}
	}
	if slices.Contains(cfg.Builtin.Enabled, builtin.NameWeather) && cfg.Builtin.Weather.BaseURL == "" {
		slog.Warn("builtin get_weather is enabled but builtin.weather.base_url is empty; it will not be registered")
	}

	// Catalog
	if !cfg.Catalog.Store.IsValid() && cfg.Catalog.Store != "" {
		errs = append(errs, fmt.Errorf("catalog.store %q is invalid; valid values: memory, postgres", cfg.Catalog.Store))
	}
	if cfg.Catalog.Store == CatalogPostgres && cfg.Catalog.DSN == "" {
		errs = append(errs, errors.New("catalog.dsn is required when catalog.store is postgres"))
	}

	// MCP servers
	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if err := srv.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if prev, ok := seen[srv.Name]; ok && srv.Name != "" {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
		}
		seen[srv.Name] = i
	}

	return errors.Join(errs...)
}

// ValidateTools validates every definition and rejects duplicate names.
// field prefixes the messages, e.g. "tools".
func ValidateTools(field string, defs []procedure.Definition) []error {
	var errs []error
	names := make(map[string]int, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("%s[%d]", field, i)
		if err := def.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if prev, ok := names[def.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s[%d]", prefix, def.Name, field, prev))
		}
		names[def.Name] = i
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a custom registration",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
