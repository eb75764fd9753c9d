// Package config provides configuration loading for the mcpengine command.
//
// Configuration comes from an optional YAML file and MCP_ENGINE_* environment variables.
// Everything has a default, so the engine runs with no configuration at all.
package config

import (
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration of mcpengine.
type Config struct {
	// Server configures the HTTP/SSE server and the request engine behind it.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Trace configures request tracing.
	Trace TraceConfig `yaml:"trace" mapstructure:"trace"`

	// Client configures the call and connect commands.
	Client ClientConfig `yaml:"client" mapstructure:"client"`
}

// ServerConfig configures the HTTP/SSE server.
type ServerConfig struct {
	Host            string `yaml:"host" mapstructure:"host" validate:"required"`
	Port            int    `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	SSEEndpoint     string `yaml:"sse_endpoint" mapstructure:"sse_endpoint" validate:"http_path"`
	MessageEndpoint string `yaml:"message_endpoint" mapstructure:"message_endpoint" validate:"http_path"`
	Name            string `yaml:"name" mapstructure:"name" validate:"required"`
	Version         string `yaml:"version" mapstructure:"version" validate:"required"`
	Instructions    string `yaml:"instructions" mapstructure:"instructions"`

	// Workers is the size of the handler pool. Default: number of CPUs.
	Workers int `yaml:"workers" mapstructure:"workers" validate:"min=1"`

	// SessionIdleTimeout closes sessions without activity for this long. Default: 60m.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" mapstructure:"session_idle_timeout" validate:"gt=0"`
	SweepInterval      time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"gt=0"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval" validate:"gt=0"`
	HeartbeatJitter    time.Duration `yaml:"heartbeat_jitter" mapstructure:"heartbeat_jitter" validate:"gte=0"`
	MailboxCapacity    int           `yaml:"mailbox_capacity" mapstructure:"mailbox_capacity" validate:"min=1"`
	RequestTimeout     time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" validate:"gt=0"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"min=1"`

	// AuthTokens enables bearer authentication when non-empty.
	AuthTokens []string `yaml:"auth_tokens" mapstructure:"auth_tokens" validate:"omitempty,dive,required"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=text json"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path" validate:"http_path"`
}

// TraceConfig configures request tracing.
type TraceConfig struct {
	// Enabled exports one span per request to stderr.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// ClientConfig configures the client commands.
type ClientConfig struct {
	// Command and Args start the server for the call command.
	Command string            `yaml:"command" mapstructure:"command"`
	Args    []string          `yaml:"args" mapstructure:"args"`
	Env     map[string]string `yaml:"env" mapstructure:"env"`

	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" validate:"gt=0"`
	StopGrace      time.Duration `yaml:"stop_grace" mapstructure:"stop_grace" validate:"gt=0"`

	// URL is the SSE endpoint used by the connect command.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
}

// SetDefaults fills every unset field with its default.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.SSEEndpoint == "" {
		c.Server.SSEEndpoint = "/sse"
	}
	if c.Server.MessageEndpoint == "" {
		c.Server.MessageEndpoint = "/message"
	}
	if c.Server.Name == "" {
		c.Server.Name = "MCP Server"
	}
	if c.Server.Version == "" {
		c.Server.Version = "0.0.1"
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Server.SessionIdleTimeout == 0 {
		c.Server.SessionIdleTimeout = 60 * time.Minute
	}
	if c.Server.SweepInterval == 0 {
		c.Server.SweepInterval = time.Minute
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = 5 * time.Second
	}
	// Zero jitter is a valid choice, so only an absent key gets the default.
	if !viper.IsSet("server.heartbeat_jitter") && c.Server.HeartbeatJitter == 0 {
		c.Server.HeartbeatJitter = 500 * time.Millisecond
	}
	if c.Server.MailboxCapacity == 0 {
		c.Server.MailboxCapacity = 16
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	// viper.IsSet tells "not set" apart from an explicit false.
	if !viper.IsSet("metrics.enabled") {
		c.Metrics.Enabled = true
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = 60 * time.Second
	}
	if c.Client.StopGrace == 0 {
		c.Client.StopGrace = 2 * time.Second
	}
	if c.Client.URL == "" {
		c.Client.URL = "http://localhost:8080/sse"
	}
}

// Addr returns the host:port the server listens on.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
