// Package config handles configuration loading and validation.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/tokenproxy/config.toml",
	"configs/config.toml",
}

const (
	defaultMetricsPath = "/metrics"
	defaultHealthPath  = "/healthz"
)

// Body relay strategies.
const (
	BodyModeStream = "stream"
	BodyModeBuffer = "buffer"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	EnvFile   string `kong:"help='Path to a dotenv file supplying PASSWORD, HOST, PORT, LOG_LEVEL, LOG_FORMAT.',env='ENV_FILE'"`
	Password  string `kong:"help='Secret path prefix required on every relayed request.',env='PASSWORD'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFormat string `kong:"help='Log format: json|text (overrides config).',env='LOG_FORMAT'"`
}

// Config is the top-level application configuration. It is built once at
// startup and shared read-only by every request.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Health   HealthConfig   `toml:"health"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000)
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 means unlimited
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AuthConfig holds the shared secret that prefixes every relayed path.
type AuthConfig struct {
	Password string `toml:"password"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds"` // 0 means no deadline
	IdleConnections int    `toml:"idle_connections"`
	FollowRedirects bool   `toml:"follow_redirects"`
	BodyMode        string `toml:"body_mode"`
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

// HealthConfig holds the optional liveness endpoint settings.
type HealthConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load builds the configuration from defaults, an optional TOML file, an
// optional dotenv file and finally CLI flags / environment variables.
// Unlike the password, the config file is optional: when none is given and
// none is found on the search path, only the other sources apply.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	if cli.EnvFile != "" {
		if err := applyEnvFile(cli, cli.EnvFile); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyEnvFile fills CLI fields still empty after flag and environment
// parsing from a dotenv file. Real environment variables always win.
func applyEnvFile(cli *CLI, path string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}

	if cli.Password == "" {
		cli.Password = env["PASSWORD"]
	}
	if cli.Host == "" {
		cli.Host = env["HOST"]
	}
	if cli.Port == 0 && env["PORT"] != "" {
		port, err := strconv.Atoi(env["PORT"])
		if err != nil {
			return fmt.Errorf("env file %s: PORT is not a number: %w", path, err)
		}
		cli.Port = port
	}
	if cli.LogLevel == "" {
		cli.LogLevel = env["LOG_LEVEL"]
	}
	if cli.LogFormat == "" {
		cli.LogFormat = env["LOG_FORMAT"]
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Password != "" {
		c.Auth.Password = cli.Password
	}
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
}

// ErrMissingPassword is returned when no password was supplied by any source.
var ErrMissingPassword = errors.New("auth.password is required: set PASSWORD")

func (c *Config) validate() error {
	if c.Auth.Password == "" {
		return ErrMissingPassword
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Upstream.BodyMode) {
	case BodyModeStream, BodyModeBuffer, "":
	default:
		return fmt.Errorf("upstream.body_mode must be one of: stream, buffer; got %q", c.Upstream.BodyMode)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Locally served paths, checked with their defaults applied.
	metricsPath := cmp.Or(c.Metrics.Path, defaultMetricsPath)
	healthPath := cmp.Or(c.Health.Path, defaultHealthPath)
	if c.Metrics.Enabled {
		if err := c.validateLocalPath("metrics.path", metricsPath); err != nil {
			return err
		}
	}
	if c.Health.Enabled {
		if err := c.validateLocalPath("health.path", healthPath); err != nil {
			return err
		}
	}
	if c.Metrics.Enabled && c.Health.Enabled && metricsPath == healthPath {
		return fmt.Errorf("metrics.path and health.path must differ; both are %q", metricsPath)
	}

	return nil
}

// validateLocalPath checks a path served by the proxy itself. Such a path
// must not begin with the password, or it would shadow relayed requests.
func (c *Config) validateLocalPath(field, p string) error {
	if p[0] != '/' {
		return fmt.Errorf("%s must start with '/'; got %q", field, p)
	}
	if strings.HasPrefix(p[1:], c.Auth.Password) {
		return fmt.Errorf("%s conflicts with the relay prefix", field)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.BodyMode == "" {
		c.Upstream.BodyMode = BodyModeStream
	}
	c.Upstream.BodyMode = strings.ToLower(c.Upstream.BodyMode)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
	if c.Health.Path == "" {
		c.Health.Path = defaultHealthPath
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
