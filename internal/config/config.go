// Package config loads the example server's process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
)

// Transport names accepted in MCP_TRANSPORT.
const (
	TransportStdIO = "stdio"
	TransportSSE   = "sse"
)

// Config for the example server. Defaults are provided via struct tags.
type Config struct {
	// Transport is either "stdio" or "sse". ENV: MCP_TRANSPORT
	Transport string `env:"MCP_TRANSPORT,default=stdio"`
	// Addr is the listen address of the SSE transport. ENV: MCP_ADDR
	Addr string `env:"MCP_ADDR,default=:8080"`
	// BaseURL prefixes the message endpoint announced to SSE clients. Empty means the endpoint
	// is announced relative to the SSE URL. ENV: MCP_BASE_URL
	BaseURL string `env:"MCP_BASE_URL"`
	// LogLevel is one of debug, info, warn, error. ENV: MCP_LOG_LEVEL
	LogLevel string `env:"MCP_LOG_LEVEL,default=info"`

	// PingInterval is the keepalive period, zero disables it. ENV: MCP_PING_INTERVAL
	PingInterval time.Duration `env:"MCP_PING_INTERVAL,default=30s"`
	// SendTimeout bounds each write to a session. ENV: MCP_SEND_TIMEOUT
	SendTimeout time.Duration `env:"MCP_SEND_TIMEOUT,default=30s"`
	// ShutdownTimeout bounds the graceful shutdown. ENV: MCP_SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"MCP_SHUTDOWN_TIMEOUT,default=10s"`

	// LiveDataInterval is the refresh period of resource://live-data. ENV: MCP_LIVE_DATA_INTERVAL
	LiveDataInterval time.Duration `env:"MCP_LIVE_DATA_INTERVAL,default=2s"`
	// WatchDir, when set, exposes its files as file:// resources. ENV: MCP_WATCH_DIR
	WatchDir string `env:"MCP_WATCH_DIR"`
}

// Load decodes the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportStdIO, TransportSSE:
	default:
		return fmt.Errorf("invalid transport %q, want %q or %q", c.Transport, TransportStdIO, TransportSSE)
	}
	if c.Transport == TransportSSE && c.Addr == "" {
		return errors.New("listen address is required for the sse transport")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("invalid ping interval %s", c.PingInterval)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("invalid send timeout %s", c.SendTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout %s", c.ShutdownTimeout)
	}
	if c.LiveDataInterval <= 0 {
		return fmt.Errorf("invalid live data interval %s", c.LiveDataInterval)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// MessageURL is the URL announced to SSE clients for posting messages.
func (c Config) MessageURL() string {
	return c.BaseURL + "/message"
}
