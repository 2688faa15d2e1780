// Package config loads the groupsyncd configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. GROUPSYNC_NODE_DATA_PATH.
const EnvPrefix = "GROUPSYNC"

type Config struct {
	Node            NodeConfig       `mapstructure:"node" yaml:"node"`
	HTTP            HTTPConfig       `mapstructure:"http" yaml:"http"`
	NATS            NATSConfig       `mapstructure:"nats" yaml:"nats"`
	Subscriber      SubscriberConfig `mapstructure:"subscriber" yaml:"subscriber"`
	Sync            SyncConfig       `mapstructure:"sync" yaml:"sync"`
	MemberCacheSize int              `mapstructure:"member_cache_size" yaml:"member_cache_size"`
}

type NodeConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	DataPath string `mapstructure:"data_path" yaml:"data_path"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	// PrivateKey is a base64 ed25519 private key. Empty means an ephemeral key.
	PrivateKey string `mapstructure:"private_key" yaml:"private_key"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
}

type SubscriberConfig struct {
	WorkerCount int `mapstructure:"worker_count" yaml:"worker_count"`
	BufferSize  int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

type SyncConfig struct {
	// MaxDelta caps the events in one sync response; 0 sends everything.
	MaxDelta int64 `mapstructure:"max_delta" yaml:"max_delta"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.name", "groupsync")
	v.SetDefault("node.data_path", "./data")
	v.SetDefault("node.log_level", "info")
	v.SetDefault("node.private_key", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("subscriber.worker_count", 8)
	v.SetDefault("subscriber.buffer_size", 1024)
	v.SetDefault("sync.max_delta", 0)
	v.SetDefault("member_cache_size", 1024)
}

// Load reads the YAML file at path, if any, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or environment is given.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks values viper cannot.
func (c *Config) Validate() error {
	if c.Node.DataPath == "" {
		return fmt.Errorf("node.data_path must be set")
	}
	if c.Sync.MaxDelta < 0 {
		return fmt.Errorf("sync.max_delta must not be negative, got %d", c.Sync.MaxDelta)
	}
	if c.Subscriber.WorkerCount < 0 || c.Subscriber.BufferSize < 0 {
		return fmt.Errorf("subscriber sizes must not be negative")
	}
	return nil
}

// YAML renders the effective configuration with the private key masked.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.Node.PrivateKey != "" {
		out.Node.PrivateKey = "<redacted>"
	}
	return yaml.Marshal(out)
}
