// Package config provides YAML configuration loading with validation and
// environment variable substitution for the relay.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dkrall/relaycore/internal/breaker"
)

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" json:"server"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Admin     AdminConfig      `yaml:"admin" json:"admin"`
	Breaker   breaker.Config   `yaml:"breaker" json:"breaker"`
	WS        WSConfig         `yaml:"ws" json:"ws"`
	Upstreams []UpstreamConfig `yaml:"upstreams" json:"upstreams"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// RateLimitConfig holds the per-client rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// WSConfig holds the upstream WebSocket pool settings shared by all upstreams.
type WSConfig struct {
	PoolSize             int           `yaml:"pool_size" json:"pool_size"`
	PingInterval         time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout" json:"pong_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" json:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay" json:"reconnect_max_delay"`
	ReconnectJitter      float64       `yaml:"reconnect_jitter" json:"reconnect_jitter"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
}

// UpstreamConfig defines a single protected upstream dependency.
type UpstreamConfig struct {
	Name          string          `yaml:"name" json:"name"`
	URL           string          `yaml:"url" json:"url"`
	WSURL         string          `yaml:"ws_url" json:"ws_url,omitempty"`
	TimeoutMs     int             `yaml:"timeout_ms" json:"timeout_ms"`
	SlowThreshold time.Duration   `yaml:"slow_threshold" json:"slow_threshold"`
	MaxConcurrent int             `yaml:"max_concurrent" json:"max_concurrent"`
	Channels      []string        `yaml:"channels" json:"channels,omitempty"`
	Breaker       *breaker.Config `yaml:"breaker" json:"breaker,omitempty"`

	ConnectionPool *ConnectionPoolConfig `yaml:"connection_pool" json:"connection_pool,omitempty"`
}

// ConnectionPoolConfig holds per-upstream HTTP transport pool settings.
type ConnectionPoolConfig struct {
	MaxIdleConns   int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost int           `yaml:"max_idle_per_host" json:"max_idle_per_host"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// Timeout returns the upstream request timeout as a time.Duration.
func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(u.TimeoutMs) * time.Millisecond
}

// BreakerConfig merges the upstream's breaker overrides over the shared
// defaults. Zero-valued override fields inherit the default.
func (u UpstreamConfig) BreakerConfig(defaults breaker.Config) breaker.Config {
	if u.Breaker == nil {
		return defaults
	}
	merged := defaults
	if u.Breaker.FailureThreshold != 0 {
		merged.FailureThreshold = u.Breaker.FailureThreshold
	}
	if u.Breaker.RecoveryTimeout != 0 {
		merged.RecoveryTimeout = u.Breaker.RecoveryTimeout
	}
	if u.Breaker.HalfOpenMaxCalls != 0 {
		merged.HalfOpenMaxCalls = u.Breaker.HalfOpenMaxCalls
	}
	if u.Breaker.MonitoringPeriod != 0 {
		merged.MonitoringPeriod = u.Breaker.MonitoringPeriod
	}
	if u.Breaker.EnableMetrics != nil {
		merged.EnableMetrics = u.Breaker.EnableMetrics
	}
	return merged
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	// Breaker defaults (failure_threshold=5, recovery_timeout=30s,
	// half_open_max_calls=3, monitoring_period=1m)
	cb := &cfg.Breaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.RecoveryTimeout == 0 {
		cb.RecoveryTimeout = 30 * time.Second
	}
	if cb.HalfOpenMaxCalls == 0 {
		cb.HalfOpenMaxCalls = 3
	}
	if cb.MonitoringPeriod == 0 {
		cb.MonitoringPeriod = time.Minute
	}

	// WebSocket pool defaults
	ws := &cfg.WS
	if ws.PoolSize == 0 {
		ws.PoolSize = 1
	}
	if ws.PingInterval == 0 {
		ws.PingInterval = 30 * time.Second
	}
	if ws.PongTimeout == 0 {
		ws.PongTimeout = 45 * time.Second
	}
	if ws.WriteTimeout == 0 {
		ws.WriteTimeout = 10 * time.Second
	}
	if ws.ReconnectBaseDelay == 0 {
		ws.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if ws.ReconnectMaxDelay == 0 {
		ws.ReconnectMaxDelay = 30 * time.Second
	}
	if ws.ReconnectJitter == 0 {
		ws.ReconnectJitter = 0.2
	}
	if ws.MaxReconnectAttempts == 0 {
		ws.MaxReconnectAttempts = 10
	}

	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].TimeoutMs == 0 {
			cfg.Upstreams[i].TimeoutMs = 30000
		}
	}
}

var upstreamNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	if err := validateBreaker("breaker", cfg.Breaker); err != nil {
		return err
	}

	ws := cfg.WS
	if ws.PoolSize < 1 {
		return fmt.Errorf("ws.pool_size must be positive")
	}
	if ws.PongTimeout <= ws.PingInterval {
		return fmt.Errorf("ws.pong_timeout must exceed ws.ping_interval")
	}
	if ws.ReconnectJitter < 0 || ws.ReconnectJitter > 1 {
		return fmt.Errorf("ws.reconnect_jitter must be between 0 and 1")
	}
	if ws.ReconnectMaxDelay < ws.ReconnectBaseDelay {
		return fmt.Errorf("ws.reconnect_max_delay must be >= ws.reconnect_base_delay")
	}
	if ws.MaxReconnectAttempts < 1 {
		return fmt.Errorf("ws.max_reconnect_attempts must be positive")
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if len(cfg.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream must be configured")
	}

	seen := make(map[string]bool)
	for i, u := range cfg.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("upstreams[%d].name is required", i)
		}
		if !upstreamNameRe.MatchString(u.Name) {
			return fmt.Errorf("upstreams[%d].name must be lowercase alphanumeric with hyphens, got %q", i, u.Name)
		}
		if seen[u.Name] {
			return fmt.Errorf("duplicate upstream name: %s", u.Name)
		}
		seen[u.Name] = true

		if u.URL == "" {
			return fmt.Errorf("upstreams[%d].url is required", i)
		}
		parsed, err := url.Parse(u.URL)
		if err != nil {
			return fmt.Errorf("upstreams[%d].url: invalid URL: %w", i, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("upstreams[%d].url: scheme must be http or https, got %q", i, parsed.Scheme)
		}
		if parsed.Host == "" {
			return fmt.Errorf("upstreams[%d].url: host is required", i)
		}

		if u.WSURL != "" {
			wsu, err := url.Parse(u.WSURL)
			if err != nil {
				return fmt.Errorf("upstreams[%d].ws_url: invalid URL: %w", i, err)
			}
			if wsu.Scheme != "ws" && wsu.Scheme != "wss" {
				return fmt.Errorf("upstreams[%d].ws_url: scheme must be ws or wss, got %q", i, wsu.Scheme)
			}
		}
		if len(u.Channels) > 0 && u.WSURL == "" {
			return fmt.Errorf("upstreams[%d].channels requires ws_url", i)
		}

		if u.SlowThreshold < 0 {
			return fmt.Errorf("upstreams[%d].slow_threshold must be non-negative", i)
		}
		if u.MaxConcurrent < 0 {
			return fmt.Errorf("upstreams[%d].max_concurrent must be non-negative", i)
		}

		if u.Breaker != nil {
			merged := u.BreakerConfig(cfg.Breaker)
			if err := validateBreaker(fmt.Sprintf("upstreams[%d].breaker", i), merged); err != nil {
				return err
			}
		}

		if u.ConnectionPool != nil {
			cp := u.ConnectionPool
			if cp.MaxIdleConns < 0 {
				return fmt.Errorf("upstreams[%d].connection_pool.max_idle_conns must be non-negative", i)
			}
			if cp.MaxIdlePerHost < 0 {
				return fmt.Errorf("upstreams[%d].connection_pool.max_idle_per_host must be non-negative", i)
			}
			if cp.IdleTimeout < 0 {
				return fmt.Errorf("upstreams[%d].connection_pool.idle_timeout must be non-negative", i)
			}
		}
	}

	return nil
}

func validateBreaker(prefix string, cb breaker.Config) error {
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("%s.failure_threshold must be positive", prefix)
	}
	if cb.RecoveryTimeout <= 0 {
		return fmt.Errorf("%s.recovery_timeout must be positive", prefix)
	}
	if cb.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("%s.half_open_max_calls must be positive", prefix)
	}
	if cb.MonitoringPeriod <= 0 {
		return fmt.Errorf("%s.monitoring_period must be positive", prefix)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	for _, u := range cfg.Upstreams {
		if strings.Contains(u.URL, "${") {
			warnings = append(warnings, fmt.Sprintf("upstream %q URL contains unresolved environment variable", u.Name))
		}
	}
	return warnings
}
