// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"pathproxy/internal/route"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/pathproxy/config.toml",
	"configs/config.toml",
	"configs/config.yaml",
}

// reservedAdminPaths are served by the admin listener and cannot be used as metrics.path.
var reservedAdminPaths = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string           `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host      string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel  string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFormat string           `kong:"help='Log format: json|text|console (overrides config).',env='LOG_FORMAT'"`
	Version   kong.VersionFlag `kong:"short='v',help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Routes   []RouteConfig  `toml:"routes" yaml:"routes"`
	Admin    AdminConfig    `toml:"admin" yaml:"admin"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`

	filePath string       // resolved config file path (unexported)
	table    *route.Table // built during validation
}

// ServerConfig holds inbound HTTP listener settings. A zero Port means the
// default (3008); a zero BodyMaxBytes means no body limit.
type ServerConfig struct {
	Host          string          `toml:"host" yaml:"host"`
	Port          int             `toml:"port" yaml:"port"`
	BodyMaxBytes  int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	ProxyProtocol bool            `toml:"proxy_protocol" yaml:"proxy_protocol"`
	XForwarded    bool            `toml:"x_forwarded" yaml:"x_forwarded"`
	RateLimit     RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// UpstreamConfig holds settings shared by every upstream connection pool.
type UpstreamConfig struct {
	ConnectTimeoutMS    int `toml:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	TimeoutSeconds      int `toml:"timeout_seconds" yaml:"timeout_seconds"`
	MaxConnsPerUpstream int `toml:"max_conns_per_upstream" yaml:"max_conns_per_upstream"`
	IdleConnections     int `toml:"idle_connections" yaml:"idle_connections"`
	IdleTimeoutSeconds  int `toml:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

// RouteConfig is one [[routes]] entry. StripPrefix and ChangeOrigin default to true.
type RouteConfig struct {
	Prefix       string `toml:"prefix" yaml:"prefix"`
	Upstream     string `toml:"upstream" yaml:"upstream"`
	StripPrefix  *bool  `toml:"strip_prefix" yaml:"strip_prefix"`
	ChangeOrigin *bool  `toml:"change_origin" yaml:"change_origin"`
}

// AdminConfig holds the admin listener (health, status, metrics) settings.
type AdminConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Host    string `toml:"host" yaml:"host"`
	Port    int    `toml:"port" yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/pathproxy/config.toml, configs/config.toml, then configs/config.yaml.
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
	if err := decode(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()

	if cfg.Admin.Enabled && listenersOverlap(cfg.Server.Host, cfg.Server.Port, cfg.Admin.Host, cfg.Admin.Port) {
		return nil, fmt.Errorf("config: validate: admin.host/admin.port %s collides with server address %s",
			cfg.Admin.Addr(), cfg.Server.Addr())
	}
	return &cfg, nil
}

// listenersOverlap reports whether two TCP listen addresses would compete for
// the same socket. A wildcard host covers every address on its port.
func listenersOverlap(hostA string, portA int, hostB string, portB int) bool {
	if portA != portB {
		return false
	}
	if isWildcardHost(hostA) || isWildcardHost(hostB) {
		return true
	}
	return strings.EqualFold(hostA, hostB)
}

func isWildcardHost(h string) bool {
	switch h {
	case "", "0.0.0.0", "::", "[::]":
		return true
	}
	return false
}

// decode picks the format from the file extension; anything but .yaml/.yml is TOML.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
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

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.ConnectTimeoutMS < 0 {
		return fmt.Errorf("upstream.connect_timeout_ms must be non-negative; got %d", c.Upstream.ConnectTimeoutMS)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.MaxConnsPerUpstream < 0 {
		return fmt.Errorf("upstream.max_conns_per_upstream must be non-negative; got %d", c.Upstream.MaxConnsPerUpstream)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.idle_timeout_seconds must be non-negative; got %d", c.Upstream.IdleTimeoutSeconds)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}

	// Routes.
	table, err := c.buildTable()
	if err != nil {
		return err
	}
	c.table = table

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
	case "json", "text", "console", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text, console; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedAdminPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) buildTable() (*route.Table, error) {
	routes := make([]route.Route, 0, len(c.Routes))
	for i, rc := range c.Routes {
		u, err := route.ParseUpstream(rc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		routes = append(routes, route.Route{
			Prefix:       rc.Prefix,
			Upstream:     u,
			StripPrefix:  boolOr(rc.StripPrefix, true),
			ChangeOrigin: boolOr(rc.ChangeOrigin, true),
		})
	}
	return route.New(routes)
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3008
	}
	if c.Upstream.ConnectTimeoutMS == 0 {
		c.Upstream.ConnectTimeoutMS = 5000
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.MaxConnsPerUpstream == 0 {
		c.Upstream.MaxConnsPerUpstream = 256
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 90
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
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

// Table returns the validated route table.
func (c *Config) Table() *route.Table { return c.table }

// FilePath returns the resolved config file path, or empty when built in code.
func (c *Config) FilePath() string { return c.filePath }

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
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

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if an upstream URL embeds credentials and the
// config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" || !c.hasCredentials() {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file holds upstream credentials and is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

func (c *Config) hasCredentials() bool {
	if c.table == nil {
		return false
	}
	for _, r := range c.table.Routes() {
		if r.Upstream.User != nil {
			return true
		}
	}
	return false
}
