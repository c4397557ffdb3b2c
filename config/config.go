// Package config loads the secure store configuration from a YAML file and
// SECURESTORE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const ENV_PREFIX = "SECURESTORE_"

const (
	DEFAULT_LOG_LEVEL     = "info"
	DEFAULT_LOG_FORMAT    = "console"
	DEFAULT_VOLUME_SOCKET = "securestore"
	DEFAULT_VOLUME_ROOT   = "/var/lib/secure-store/volumes"
)

var (
	logLevels  = []string{"trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled"}
	logFormats = []string{"json", "console"}
)

type Config struct {
	// Backend is the identifier of the backend to activate. It may be empty
	// when exactly one backend is discovered.
	Backend string `yaml:"backend"`
	// PluginDir holds backend descriptor files.
	PluginDir string  `yaml:"pluginDir"`
	Log       Log     `yaml:"log"`
	Metrics   Metrics `yaml:"metrics"`
	Volume    Volume  `yaml:"volume"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Metrics struct {
	// Address serves /metrics when set, e.g. ":9090".
	Address string `yaml:"address"`
}

type Volume struct {
	// Socket is the plugin socket name or path handed to the docker helper.
	Socket string `yaml:"socket"`
	// Root is where mounted secrets are materialized.
	Root string `yaml:"root"`
	// Namespace is used for volumes that do not name one.
	Namespace string `yaml:"namespace"`
}

func Default() *Config {
	return &Config{
		Log: Log{
			Level:  DEFAULT_LOG_LEVEL,
			Format: DEFAULT_LOG_FORMAT,
		},
		Volume: Volume{
			Socket: DEFAULT_VOLUME_SOCKET,
			Root:   DEFAULT_VOLUME_ROOT,
		},
	}
}

// Load reads path (if not empty), then applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	for env, field := range map[string]*string{
		"BACKEND":          &c.Backend,
		"PLUGIN_DIR":       &c.PluginDir,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FORMAT":       &c.Log.Format,
		"METRICS_ADDRESS":  &c.Metrics.Address,
		"VOLUME_SOCKET":    &c.Volume.Socket,
		"VOLUME_ROOT":      &c.Volume.Root,
		"VOLUME_NAMESPACE": &c.Volume.Namespace,
	} {
		if v := os.Getenv(ENV_PREFIX + env); v != "" {
			*field = v
		}
	}
}

func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	if !slices.Contains(logLevels, c.Log.Level) {
		return fmt.Errorf("invalid log level %q, expected one of %s", c.Log.Level, strings.Join(logLevels, ", "))
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		return fmt.Errorf("invalid log format %q, expected one of %s", c.Log.Format, strings.Join(logFormats, ", "))
	}
	return nil
}
