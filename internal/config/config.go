// Package config loads stomp-relay settings from YAML files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STOMPRELAY_LOG_LEVEL.
const EnvPrefix = "STOMPRELAY"

// Config is the root application configuration.
type Config struct {
	// Listen holds listener addresses
	Listen ListenConfig `mapstructure:"listen"`

	// WS holds WebSocket endpoint options
	WS WSConfig `mapstructure:"ws"`

	// Stream holds stream transport options
	Stream StreamConfig `mapstructure:"stream"`

	// Relay holds hub options
	Relay RelayConfig `mapstructure:"relay"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// ListenConfig holds listener addresses. An empty WS address serves
// WebSocket upgrades on the TCP port; an empty KCP address disables KCP.
type ListenConfig struct {
	TCP string `mapstructure:"tcp"`
	WS  string `mapstructure:"ws"`
	KCP string `mapstructure:"kcp"`
}

// WSConfig holds WebSocket endpoint options.
type WSConfig struct {
	Path string `mapstructure:"path"`
}

// StreamConfig holds stream transport options.
type StreamConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// RelayConfig holds hub options.
type RelayConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{TCP: ":61613"},
		WS:     WSConfig{Path: "/ws"},
		Stream: StreamConfig{BufferSize: 4096},
		Relay:  RelayConfig{QueueSize: 64},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/stomp-relay.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations for stomp-relay.yaml. Environment
// variables use the prefix STOMPRELAY and `.`/`-` are replaced with `_`.
// Example: STOMPRELAY_LISTEN_WS=:8080
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("listen.tcp", cfg.Listen.TCP)
	v.SetDefault("listen.ws", cfg.Listen.WS)
	v.SetDefault("listen.kcp", cfg.Listen.KCP)
	v.SetDefault("ws.path", cfg.WS.Path)
	v.SetDefault("stream.buffer_size", cfg.Stream.BufferSize)
	v.SetDefault("relay.queue_size", cfg.Relay.QueueSize)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stomp-relay")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".stomp-relay"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "console", "json":
	case "":
		c.Log.Format = "console"
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if strings.TrimSpace(c.Listen.TCP) == "" {
		return errors.New("listen.tcp must be set")
	}
	if c.WS.Path == "" || !strings.HasPrefix(c.WS.Path, "/") {
		return fmt.Errorf("invalid ws.path: %q", c.WS.Path)
	}
	if c.Stream.BufferSize < 0 {
		return fmt.Errorf("invalid stream.buffer_size: %d", c.Stream.BufferSize)
	}
	if c.Relay.QueueSize <= 0 {
		return fmt.Errorf("invalid relay.queue_size: %d", c.Relay.QueueSize)
	}
	return nil
}
