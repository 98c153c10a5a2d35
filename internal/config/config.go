// Package config loads daemon configuration from the .skeld state directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"skeld/internal/paths"
)

// Config represents the complete daemon configuration
type Config struct {
	Version int           `json:"version" mapstructure:"version" toml:"version"`
	Watcher WatcherConfig `json:"watcher" mapstructure:"watcher" toml:"watcher"`
	Chunks  ChunksConfig  `json:"chunks" mapstructure:"chunks" toml:"chunks"`
	Server  ServerConfig  `json:"server" mapstructure:"server" toml:"server"`
	Repl    ReplConfig    `json:"repl" mapstructure:"repl" toml:"repl"`
	Stats   StatsConfig   `json:"stats" mapstructure:"stats" toml:"stats"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging" toml:"logging"`
}

// WatcherConfig contains filesystem watcher configuration
type WatcherConfig struct {
	DebounceMs     int      `json:"debounceMs" mapstructure:"debounceMs" toml:"debounce_ms"`
	IgnoreDirs     []string `json:"ignoreDirs" mapstructure:"ignoreDirs" toml:"ignore_dirs"`
	IgnorePatterns []string `json:"ignorePatterns" mapstructure:"ignorePatterns" toml:"ignore_patterns"`
}

// ChunksConfig contains chunk generation geometry
type ChunksConfig struct {
	Size    int `json:"size" mapstructure:"size" toml:"size"`
	Overlap int `json:"overlap" mapstructure:"overlap" toml:"overlap"`
}

// ServerConfig contains query server configuration
type ServerConfig struct {
	Port            int `json:"port" mapstructure:"port" toml:"port"`
	ReadTimeoutS    int `json:"readTimeoutS" mapstructure:"readTimeoutS" toml:"read_timeout_s"`
	WriteTimeoutS   int `json:"writeTimeoutS" mapstructure:"writeTimeoutS" toml:"write_timeout_s"`
	IdleTimeoutS    int `json:"idleTimeoutS" mapstructure:"idleTimeoutS" toml:"idle_timeout_s"`
	MaxRequestBytes int `json:"maxRequestBytes" mapstructure:"maxRequestBytes" toml:"max_request_bytes"`
}

// ReplConfig contains REPL engine limits
type ReplConfig struct {
	MaxOutputChars int `json:"maxOutputChars" mapstructure:"maxOutputChars" toml:"max_output_chars"`
	GrepMaxResults int `json:"grepMaxResults" mapstructure:"grepMaxResults" toml:"grep_max_results"`
}

// StatsConfig contains session stats configuration
type StatsConfig struct {
	PersistLog bool `json:"persistLog" mapstructure:"persistLog" toml:"persist_log"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `json:"format" mapstructure:"format" toml:"format"`
	Level  string `json:"level" mapstructure:"level" toml:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Watcher: WatcherConfig{
			DebounceMs: 500,
			IgnoreDirs: []string{
				".git", ".hg", ".svn", "node_modules", "__pycache__",
				".venv", "venv", ".env", "dist", "build", ".next", ".nuxt",
				"target", ".idea", ".vscode", paths.StateDirName,
			},
			IgnorePatterns: []string{
				"*.pyc", "*.pyo", "*.class", "*.o", "*.so", "*.dll",
				"*.log", "*.tmp", "*.swp",
			},
		},
		Chunks: ChunksConfig{
			Size:    200,
			Overlap: 20,
		},
		Server: ServerConfig{
			Port:            9177,
			ReadTimeoutS:    5,
			WriteTimeoutS:   10,
			IdleTimeoutS:    300,
			MaxRequestBytes: 1 << 20,
		},
		Repl: ReplConfig{
			MaxOutputChars: 8000,
			GrepMaxResults: 50,
		},
		Stats: StatsConfig{
			PersistLog: true,
		},
		Logging: LoggingConfig{
			Format: "human",
			Level:  "info",
		},
	}
}

// Load reads configuration for a project root. Order: defaults, then
// .skeld/config.json (viper), then .skeld/config.toml on top.
func Load(root string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(paths.StateDir(root))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := applyTOMLOverride(root, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyTOMLOverride layers .skeld/config.toml over cfg when present.
func applyTOMLOverride(root string, cfg *Config) error {
	path := filepath.Join(paths.StateDir(root), "config.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if c.Chunks.Size <= 0 {
		return &ConfigError{Field: "chunks.size", Message: "must be positive"}
	}
	if c.Chunks.Overlap < 0 || c.Chunks.Overlap >= c.Chunks.Size {
		return &ConfigError{Field: "chunks.overlap", Message: "must be in [0, size)"}
	}
	if c.Watcher.DebounceMs < 0 {
		return &ConfigError{Field: "watcher.debounceMs", Message: "must be non-negative"}
	}
	if c.Server.MaxRequestBytes <= 0 {
		return &ConfigError{Field: "server.maxRequestBytes", Message: "must be positive"}
	}
	if c.Server.IdleTimeoutS < 0 {
		return &ConfigError{Field: "server.idleTimeoutS", Message: "must be non-negative (0 disables)"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
