// Package config handles ijoka configuration parsing and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ijoka-dev/ijoka/internal/logging"
)

// FileName is the config file searched for by FindConfigFile.
const FileName = "ijoka.yaml"

// Config represents the ijoka.yaml configuration file.
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Logging   logging.Config  `yaml:"logging"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" split_words:"true"`
	// URL is where CLI commands reach a running server.
	URL string `yaml:"url" split_words:"true"`
}

// StoreConfig selects the authoritative store.
type StoreConfig struct {
	Driver  string        `yaml:"driver" split_words:"true"` // sqlite, postgres, memory
	DSN     string        `yaml:"dsn" split_words:"true"`
	Timeout time.Duration `yaml:"timeout" split_words:"true"`
}

// CacheConfig controls the local read cache.
type CacheConfig struct {
	Enabled   bool   `yaml:"enabled" split_words:"true"`
	Path      string `yaml:"path" split_words:"true"`
	QueueSize int    `yaml:"queue_size" split_words:"true"`
}

// SessionsConfig controls session status derivation.
type SessionsConfig struct {
	IdleAfter time.Duration `yaml:"idle_after" split_words:"true"`
}

// BroadcastConfig controls the live subscriber hub.
type BroadcastConfig struct {
	Buffer      int           `yaml:"buffer" split_words:"true"`
	SendTimeout time.Duration `yaml:"send_timeout" split_words:"true"`
	QueueSize   int           `yaml:"queue_size" split_words:"true"`
}

// KafkaConfig controls forwarding of the events topic to Kafka.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" split_words:"true"`
	Brokers []string `yaml:"brokers" split_words:"true"`
	Topic   string   `yaml:"topic" split_words:"true"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".ijoka")

	return &Config{
		Version: "1.0",
		Server: ServerConfig{
			Addr: "127.0.0.1:8787",
			URL:  "http://127.0.0.1:8787",
		},
		Store: StoreConfig{
			Driver:  "sqlite",
			DSN:     filepath.Join(dataDir, "ijoka.db"),
			Timeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Path:      filepath.Join(dataDir, "cache.db"),
			QueueSize: 1024,
		},
		Sessions: SessionsConfig{
			IdleAfter: 10 * time.Minute,
		},
		Broadcast: BroadcastConfig{
			Buffer:      64,
			SendTimeout: time.Second,
			QueueSize:   1024,
		},
		Kafka: KafkaConfig{
			Topic: "ijoka.events",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses the config file, then applies IJOKA_* environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FileName
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from IJOKA_<SECTION>_<FIELD> variables.
func ApplyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		target interface{}
	}{
		{"IJOKA_SERVER", &cfg.Server},
		{"IJOKA_STORE", &cfg.Store},
		{"IJOKA_CACHE", &cfg.Cache},
		{"IJOKA_SESSIONS", &cfg.Sessions},
		{"IJOKA_BROADCAST", &cfg.Broadcast},
		{"IJOKA_KAFKA", &cfg.Kafka},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.target); err != nil {
			return fmt.Errorf("reading %s_* environment: %w", s.prefix, err)
		}
	}
	return nil
}

// Save writes the configuration to the specified path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "memory": true}
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("invalid store driver: %s (must be sqlite, postgres, or memory)", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store dsn is required for driver %s", c.Store.Driver)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}

	if c.Cache.Enabled {
		if c.Cache.Path == "" {
			return fmt.Errorf("cache path is required when the cache is enabled")
		}
		if c.Cache.QueueSize < 1 {
			return fmt.Errorf("cache queue_size must be at least 1")
		}
	}

	if c.Sessions.IdleAfter < 0 {
		return fmt.Errorf("sessions idle_after must not be negative")
	}

	if c.Broadcast.Buffer < 1 || c.Broadcast.QueueSize < 1 {
		return fmt.Errorf("broadcast buffer and queue_size must be at least 1")
	}
	if c.Broadcast.SendTimeout <= 0 {
		return fmt.Errorf("broadcast send_timeout must be positive")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when kafka is enabled")
		}
		if strings.TrimSpace(c.Kafka.Topic) == "" {
			return fmt.Errorf("kafka topic is required when kafka is enabled")
		}
	}

	validFormats := map[string]bool{"": true, "text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// FindConfigFile searches for ijoka.yaml in current and parent directories.
func FindConfigFile() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for dir := cwd; ; dir = filepath.Dir(dir) {
		configPath := filepath.Join(dir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		if dir == filepath.Dir(dir) {
			break
		}
	}

	return "", fmt.Errorf("%s not found in %s or parent directories", FileName, cwd)
}
