package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envKeys maps lowercased, prefix-stripped variable names to koanf paths.
var envKeys = map[string]string{
	"server_endpoint":         "server.endpoint",
	"server_dial_timeout":     "server.dial_timeout",
	"server_codec":            "server.codec",
	"session_identity":        "session.identity",
	"session_reconnect_delay": "session.reconnect_delay",
	"session_send_buffer":     "session.send_buffer",
	"logging_level":           "logging.level",
	"logging_format":          "logging.format",
	"logging_caller":          "logging.caller",
	"metrics_addr":            "metrics.addr",
	"output_format":           "output.format",
	"output_color":            "output.color",
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment. An empty path falls back to CHAT_CONFIG_PATH, then to
// DefaultConfigPaths; a missing default file is not an error. Overrides run
// after every source is applied and before validation.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransformFunc turns CHAT_SESSION_RECONNECT_DELAY into session.reconnect_delay.
// Unknown variables map to "" and are ignored.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return envKeys[key]
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		return envPath
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
