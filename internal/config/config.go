// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/convex-gateway/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendCommand string `kong:"help='Convex backend binary to supervise (overrides config).',env='BACKEND_COMMAND'"`
	BackendPort    int    `kong:"help='Backend API port (overrides config).',env='BACKEND_PORT'"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Backend    BackendConfig    `toml:"backend"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Audit      AuditConfig      `toml:"audit"`
	Tunnel     TunnelConfig     `toml:"tunnel"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8787); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig describes the Convex backend process and how to reach it.
type BackendConfig struct {
	Command         string   `toml:"command"`
	Args            []string `toml:"args"`
	DataDir         string   `toml:"data_dir"`
	Port            int      `toml:"port"` // API port the backend listens on; 0 means default (3210)
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	IdleConnections int      `toml:"idle_connections"`
}

// SupervisorConfig controls backend process lifecycle management.
type SupervisorConfig struct {
	Managed               *bool `toml:"managed"` // nil means default (true)
	StartupTimeoutSeconds int   `toml:"startup_timeout_seconds"`
	IdleTimeoutSeconds    int   `toml:"idle_timeout_seconds"` // 0 = never sleep
	RestartBackoffSeconds int   `toml:"restart_backoff_seconds"`
}

// AuditConfig controls the proxied-request audit log.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled"`
	Driver     string `toml:"driver"` // memory | sqlite
	DSN        string `toml:"dsn"`
	MaxEntries int    `toml:"max_entries"`
}

// TunnelConfig controls optional public exposure through ngrok.
type TunnelConfig struct {
	Enabled   bool   `toml:"enabled"`
	AuthToken string `toml:"auth_token"`
	Domain    string `toml:"domain"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/convex-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BackendCommand != "" {
		c.Backend.Command = cli.BackendCommand
	}
	if cli.BackendPort != 0 {
		c.Backend.Port = cli.BackendPort
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// A managed backend needs a command to spawn; unmanaged mode only needs
	// a port to forward to.
	if c.SupervisorManaged() && c.Backend.Command == "" {
		return fmt.Errorf("backend.command is required when supervisor.managed is true; set supervisor.managed = false to proxy to an externally run backend")
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Backend.Port < 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port must be 0–65535; got %d", c.Backend.Port)
	}
	if c.Server.Port != 0 && c.Server.Port == c.Backend.Port {
		return fmt.Errorf("server.port and backend.port must differ; both are %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be non-negative; got %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}
	if c.Supervisor.StartupTimeoutSeconds < 0 {
		return fmt.Errorf("supervisor.startup_timeout_seconds must be non-negative; got %d", c.Supervisor.StartupTimeoutSeconds)
	}
	if c.Supervisor.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("supervisor.idle_timeout_seconds must be non-negative; got %d", c.Supervisor.IdleTimeoutSeconds)
	}
	if c.Supervisor.RestartBackoffSeconds < 0 {
		return fmt.Errorf("supervisor.restart_backoff_seconds must be non-negative; got %d", c.Supervisor.RestartBackoffSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Audit fields.
	switch strings.ToLower(c.Audit.Driver) {
	case "memory", "sqlite", "":
		// valid
	default:
		return fmt.Errorf("audit.driver must be one of: memory, sqlite; got %q", c.Audit.Driver)
	}
	if c.Audit.MaxEntries < 0 {
		return fmt.Errorf("audit.max_entries must be non-negative; got %d", c.Audit.MaxEntries)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/api", "/healthz", "/proxy/status", "/proxy/requests"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8787).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 16 * 1024 * 1024 // 16 MB, matches the backend's own request limit
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = 3210
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 120
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Supervisor.StartupTimeoutSeconds == 0 {
		c.Supervisor.StartupTimeoutSeconds = 30
	}
	if c.Supervisor.RestartBackoffSeconds == 0 {
		c.Supervisor.RestartBackoffSeconds = 5
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = "memory"
	}
	if c.Audit.DSN == "" {
		c.Audit.DSN = "audit.db"
	}
	if c.Audit.MaxEntries == 0 {
		c.Audit.MaxEntries = 1000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL returns the backend API base URL. The backend is always reached
// over plain HTTP on the loopback interface, whatever scheme the client used.
func (c *BackendConfig) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Port)
}

// SupervisorManaged reports whether the gateway owns the backend process.
// Unset defaults to true.
func (c *Config) SupervisorManaged() bool {
	if c.Supervisor.Managed == nil {
		return true
	}
	return *c.Supervisor.Managed
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
