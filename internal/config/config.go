// Package config loads chat client configuration.
//
// Sources, lowest to highest priority:
//  1. built-in defaults
//  2. a YAML file (CHAT_CONFIG_PATH, or the path given to Load)
//  3. CHAT_* environment variables, e.g. CHAT_SERVER_ENDPOINT, CHAT_SESSION_RECONNECT_DELAY
package config

import (
	"time"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CHAT_CONFIG_PATH"

// EnvPrefix is stripped from environment variable names.
const EnvPrefix = "CHAT_"

// DefaultConfigPaths are searched when no explicit path is given.
var DefaultConfigPaths = []string{
	"chatclient.yaml",
	"chatclient.yml",
}

// Config is the full client configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Session SessionConfig `koanf:"session"`
	Logging LoggingConfig `koanf:"logging"`
	Metrics MetricsConfig `koanf:"metrics"`
	Output  OutputConfig  `koanf:"output"`
}

// ServerConfig describes the chat service endpoint.
type ServerConfig struct {
	Endpoint    string        `koanf:"endpoint" validate:"required,url"`
	DialTimeout time.Duration `koanf:"dial_timeout" validate:"gt=0"`
	Codec       string        `koanf:"codec" validate:"oneof=text protobuf"`
}

// SessionConfig drives the connection manager.
type SessionConfig struct {
	Identity       string        `koanf:"identity"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay" validate:"gt=0"`
	SendBuffer     int           `koanf:"send_buffer" validate:"gte=1"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled off"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `koanf:"addr" validate:"omitempty,hostname_port"`
}

// OutputConfig controls how the terminal client renders the session.
type OutputConfig struct {
	Format string `koanf:"format" validate:"oneof=text json"`
	Color  bool   `koanf:"color"`
}

// defaultConfig returns the defaults every other layer overrides.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Endpoint:    "ws://localhost:8080/ws",
			DialTimeout: 10 * time.Second,
			Codec:       "text",
		},
		Session: SessionConfig{
			ReconnectDelay: 3 * time.Second,
			SendBuffer:     16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Output: OutputConfig{
			Format: "text",
			Color:  true,
		},
	}
}
