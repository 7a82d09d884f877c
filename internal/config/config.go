// Package config loads ptykit settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/PiranhaCodes/ptykit/internal/logging"
	"github.com/PiranhaCodes/ptykit/internal/metrics"
	"github.com/PiranhaCodes/ptykit/internal/pty"
)

// Config holds all application configuration.
type Config struct {
	Session SessionConfig
	Logging LogConfig
	Metrics MetricsConfig
	Server  ServerConfig
}

// SessionConfig holds pseudo-terminal session configuration.
type SessionConfig struct {
	Newline       string        `envconfig:"PTYKIT_NEWLINE" default:"lf"`
	Rows          uint16        `envconfig:"PTYKIT_ROWS" default:"24"`
	Cols          uint16        `envconfig:"PTYKIT_COLS" default:"80"`
	ReadBuffer    int           `envconfig:"PTYKIT_READ_BUFFER" default:"4096"`
	ExpectTimeout time.Duration `envconfig:"PTYKIT_EXPECT_TIMEOUT" default:"10s"`
	Shell         string        `envconfig:"PTYKIT_SHELL"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// MetricsConfig holds the metrics endpoint configuration. An empty address
// disables the endpoint.
type MetricsConfig struct {
	Addr string `envconfig:"PTYKIT_METRICS_ADDR"`
}

// ServerConfig holds control socket configuration.
type ServerConfig struct {
	Socket string `envconfig:"PTYKIT_SOCKET" default:"~/.ptykit/ptykit.sock"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := pty.ParseNewlineMode(cfg.Session.Newline); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Newline:       "lf",
			Rows:          24,
			Cols:          80,
			ReadBuffer:    4096,
			ExpectTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Server: ServerConfig{
			Socket: "~/.ptykit/ptykit.sock",
		},
	}
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.Development = c.Logging.Development
	return cfg
}

// SessionOptions maps the session section onto pty.Options.
func (c *Config) SessionOptions(logger *zap.Logger, m *metrics.Metrics) pty.Options {
	// validated by Load; Default always holds "lf"
	newline, _ := pty.ParseNewlineMode(c.Session.Newline)
	return pty.Options{
		Newline:        newline,
		ReadBufferSize: c.Session.ReadBuffer,
		Rows:           c.Session.Rows,
		Cols:           c.Session.Cols,
		Logger:         logger,
		Metrics:        m,
	}
}

// SocketPath returns the control socket path with a leading ~ expanded.
func (c *Config) SocketPath() (string, error) {
	return ExpandPath(c.Server.Socket)
}

// ExpandPath expands the tilde (~) character to the user's home directory.
func ExpandPath(path string) (string, error) {
	if len(path) == 0 {
		return path, nil
	}

	if path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		if len(path) == 1 {
			return homeDir, nil
		}
		if path[1] == '/' || path[1] == '\\' {
			return filepath.Join(homeDir, path[2:]), nil
		}
	}

	return path, nil
}
