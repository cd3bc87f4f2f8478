// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Database struct {
		Path     string `mapstructure:"path"`
		InMemory bool   `mapstructure:"in_memory"`
	} `mapstructure:"database"`

	Tree struct {
		Root    string   `mapstructure:"root"`
		Ignore  []string `mapstructure:"ignore"`
		Workers int      `mapstructure:"workers"`
	} `mapstructure:"tree"`

	Fetch struct {
		MaxChunkSize     int `mapstructure:"max_chunk_size"`
		CompressionLevel int `mapstructure:"compression_level"`
		CacheSize        int `mapstructure:"cache_size"`
	} `mapstructure:"fetch"`

	Watch struct {
		Enabled  bool          `mapstructure:"enabled"`
		Debounce time.Duration `mapstructure:"debounce"`
	} `mapstructure:"watch"`

	Environment string `mapstructure:"environment"` // development, production
	LogLevel    string `mapstructure:"log_level"`   // debug, info, warn, error
}

const envPrefix = "PATCHD"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 10000)
	v.SetDefault("database.path", ".patchd/db")
	v.SetDefault("database.in_memory", false)
	v.SetDefault("tree.root", ".")
	v.SetDefault("tree.ignore", []string{".git", ".patchd"})
	v.SetDefault("tree.workers", 8)
	v.SetDefault("fetch.max_chunk_size", 1024*1024)
	v.SetDefault("fetch.compression_level", 2)
	v.SetDefault("fetch.cache_size", 256)
	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounce", 500*time.Millisecond)
	v.SetDefault("environment", "production")
	v.SetDefault("log_level", "info")
}

// Load reads the config file at path (json or yaml, by extension) and
// applies PATCHD_* environment overrides, e.g. PATCHD_SERVER_PORT. An empty
// path means defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Tree.Root == "" {
		return fmt.Errorf("tree root is required")
	}
	if c.Tree.Workers <= 0 {
		return fmt.Errorf("tree workers must be positive, got %d", c.Tree.Workers)
	}
	if c.Fetch.MaxChunkSize <= 0 {
		return fmt.Errorf("max chunk size must be positive, got %d", c.Fetch.MaxChunkSize)
	}
	if c.Fetch.CompressionLevel < 1 || c.Fetch.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be 1-4, got %d", c.Fetch.CompressionLevel)
	}
	if c.Environment != "development" && c.Environment != "production" {
		return fmt.Errorf("environment must be development or production, got %q", c.Environment)
	}
	if c.Fetch.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive, got %d", c.Fetch.CacheSize)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
