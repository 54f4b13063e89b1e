// Package config holds the server's explicit configuration. Defaults are
// applied once at load; components receive plain values, never the loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Session  SessionConfig  `mapstructure:"session"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Registry RegistryConfig `mapstructure:"registry"`
	Router   RouterConfig   `mapstructure:"router"`
	Errors   ErrorsConfig   `mapstructure:"errors"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	LogLevel string         `mapstructure:"log_level"`
}

// ServerConfig selects the transport and identifies the server.
type ServerConfig struct {
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
	Transport string `mapstructure:"transport"` // stdio or tcp
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
}

// SessionConfig bounds the session manager.
type SessionConfig struct {
	MaxSessions         int           `mapstructure:"max_sessions"`
	Timeout             time.Duration `mapstructure:"timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig configures session authentication. When enabled, sessions must
// authenticate with one of the configured tokens before they can call tools.
type AuthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	Tokens   []TokenEntry  `mapstructure:"tokens"`
}

// TokenEntry maps a bearer token to a user and permission level.
type TokenEntry struct {
	Token    string `mapstructure:"token"`
	UserID   string `mapstructure:"user_id"`
	Username string `mapstructure:"username"`
	Level    string `mapstructure:"level"` // none, read, write, admin
}

// RegistryConfig bounds the tool registry.
type RegistryConfig struct {
	MaxTools          int           `mapstructure:"max_tools"`
	ExecutionDeadline time.Duration `mapstructure:"execution_deadline"`
}

// RouterConfig bounds message processing.
type RouterConfig struct {
	MaxBatchSize         int           `mapstructure:"max_batch_size"`
	DisableNotifications bool          `mapstructure:"disable_notifications"`
	ShutdownDelay        time.Duration `mapstructure:"shutdown_delay"`
}

// ErrorsConfig bounds the error handler.
type ErrorsConfig struct {
	LogCapacity int `mapstructure:"log_capacity"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"` // otlp-grpc, otlp-http, noop
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg, err := load("")
	if err != nil {
		// Defaults alone cannot fail validation.
		panic(err)
	}
	return cfg
}

// Load reads configuration from the given file (optional), environment
// variables prefixed MCP_SERVER_, and defaults, then validates. An invalid
// configuration is a startup error; the caller aborts the process.
func Load(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MCP_SERVER")
	// Nested keys use dots internally; the replacer maps them to the
	// underscore form environment variables use, e.g. session.max_sessions
	// becomes MCP_SERVER_SESSION_MAX_SESSIONS.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.name", "mcp-server")
	v.SetDefault("server.version", "1.0.0")
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)

	v.SetDefault("session.max_sessions", 64)
	v.SetDefault("session.timeout", 30*time.Minute)
	v.SetDefault("session.health_check_interval", 30*time.Second)
	v.SetDefault("session.cleanup_interval", 5*time.Minute)
	v.SetDefault("session.shutdown_timeout", 10*time.Second)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_ttl", time.Duration(0))

	v.SetDefault("registry.max_tools", 256)
	v.SetDefault("registry.execution_deadline", 30*time.Second)

	v.SetDefault("router.max_batch_size", 100)
	v.SetDefault("router.disable_notifications", false)
	v.SetDefault("router.shutdown_delay", 100*time.Millisecond)

	v.SetDefault("errors.log_capacity", 256)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "noop")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "tcp" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'tcp'", c.Server.Transport)
	}
	if c.Server.Transport == "tcp" && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be in 1..65535 for tcp transport, got: %d", c.Server.Port)
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("session.max_sessions must be positive, got: %d", c.Session.MaxSessions)
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("session.timeout must be positive, got: %s", c.Session.Timeout)
	}
	if c.Auth.Enabled {
		if len(c.Auth.Tokens) == 0 {
			return fmt.Errorf("auth.enabled requires at least one entry in auth.tokens")
		}
		for i, entry := range c.Auth.Tokens {
			if entry.Token == "" || entry.UserID == "" {
				return fmt.Errorf("auth.tokens[%d] must set token and user_id", i)
			}
			switch entry.Level {
			case "", "none", "read", "write", "admin":
			default:
				return fmt.Errorf("auth.tokens[%d] has unknown level: %s", i, entry.Level)
			}
		}
	}
	if c.Registry.MaxTools <= 0 {
		return fmt.Errorf("registry.max_tools must be positive, got: %d", c.Registry.MaxTools)
	}
	if c.Router.MaxBatchSize < 1 || c.Router.MaxBatchSize > 100 {
		return fmt.Errorf("router.max_batch_size must be in 1..100, got: %d", c.Router.MaxBatchSize)
	}
	if c.Errors.LogCapacity <= 0 {
		return fmt.Errorf("errors.log_capacity must be positive, got: %d", c.Errors.LogCapacity)
	}
	switch c.Tracing.Exporter {
	case "otlp-grpc", "otlp-http", "noop":
	default:
		return fmt.Errorf("unsupported tracing.exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0,1], got: %v", c.Tracing.SampleRate)
	}
	return nil
}
