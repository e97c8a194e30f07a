package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/callmegate/gate/pkg/store"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "2m". Bare integers are taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// GatewayConfig holds the HTTP gateway settings
type GatewayConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	DefaultStrategy string   `yaml:"default_strategy"`
	JobTTL          Duration `yaml:"job_ttl"`
	ReapInterval    Duration `yaml:"reap_interval"`
	MaxHeartbeatAge Duration `yaml:"max_heartbeat_age"`
}

// WorkerConfig holds the worker process settings
type WorkerConfig struct {
	Version           string   `yaml:"version"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full process configuration
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Worker  WorkerConfig  `yaml:"worker"`
	Log     LogConfig     `yaml:"log"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddr:      ":8000",
			DefaultStrategy: "round_robin",
			JobTTL:          Duration(60 * time.Second),
			ReapInterval:    Duration(30 * time.Second),
			MaxHeartbeatAge: Duration(60 * time.Second),
		},
		Worker: WorkerConfig{
			HeartbeatInterval: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file, filling unset fields with defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = def.Gateway.ListenAddr
	}
	if c.Gateway.DefaultStrategy == "" {
		c.Gateway.DefaultStrategy = def.Gateway.DefaultStrategy
	}
	if c.Gateway.JobTTL <= 0 {
		c.Gateway.JobTTL = def.Gateway.JobTTL
	}
	if c.Gateway.ReapInterval <= 0 {
		c.Gateway.ReapInterval = def.Gateway.ReapInterval
	}
	if c.Gateway.MaxHeartbeatAge <= 0 {
		c.Gateway.MaxHeartbeatAge = def.Gateway.MaxHeartbeatAge
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = def.Worker.HeartbeatInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// StoreConfig returns the shared store settings, taken from the environment
func (c *Config) StoreConfig() store.Config {
	return store.ConfigFromEnv()
}
