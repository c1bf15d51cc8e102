// Package config loads and validates the sync core configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fernweh-app/fernweh-core/internal/errors"
)

// Duration wraps time.Duration so YAML values can be written as "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StorageConfig configures the local store.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// RemoteConfig configures the remote service client.
type RemoteConfig struct {
	BaseURL        string   `yaml:"base_url"`
	AuthToken      string   `yaml:"auth_token"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// SyncConfig configures reconciliation behavior.
type SyncConfig struct {
	Interval    Duration `yaml:"interval"`     // periodic pass while online
	BatchSize   int      `yaml:"batch_size"`   // max ready entries per pass
	Concurrency int      `yaml:"concurrency"`  // parallel entities per pass
	RetryBase   Duration `yaml:"retry_base"`   // first transient backoff
	RetryMax    Duration `yaml:"retry_max"`    // backoff cap
	StaleAfter  Duration `yaml:"stale_after"`  // pending age before entries count as stale
}

// MonitorConfig configures the network monitor.
type MonitorConfig struct {
	ProbeURL       string   `yaml:"probe_url"`
	ProbeInterval  Duration `yaml:"probe_interval"`
	OnlineDebounce Duration `yaml:"online_debounce"`
}

// ServerConfig configures the local UI-facing HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the root configuration for the sync core.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Storage  StorageConfig `yaml:"storage"`
	Remote   RemoteConfig  `yaml:"remote"`
	Sync     SyncConfig    `yaml:"sync"`
	Monitor  MonitorConfig `yaml:"monitor"`
	Server   ServerConfig  `yaml:"server"`
}

// Default returns the configuration used when no file overrides are present.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Remote: RemoteConfig{
			BaseURL:        "https://api.fernweh.app",
			RequestTimeout: Duration(15 * time.Second),
		},
		Sync: SyncConfig{
			Interval:    Duration(5 * time.Minute),
			BatchSize:   100,
			Concurrency: 4,
			RetryBase:   Duration(2 * time.Second),
			RetryMax:    Duration(5 * time.Minute),
			StaleAfter:  Duration(24 * time.Hour),
		},
		Monitor: MonitorConfig{
			ProbeURL:       "https://api.fernweh.app/api/health",
			ProbeInterval:  Duration(30 * time.Second),
			OnlineDebounce: Duration(500 * time.Millisecond),
		},
		Server: ServerConfig{
			Addr: "localhost:8090",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(errors.ErrConfig, "read config file", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "parse config file", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errors.New(errors.ErrConfig, "storage.data_dir must not be empty")
	}
	if c.Remote.BaseURL == "" {
		return errors.New(errors.ErrConfig, "remote.base_url must not be empty")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New(errors.ErrConfig, "sync.batch_size must be positive")
	}
	if c.Sync.Concurrency <= 0 {
		return errors.New(errors.ErrConfig, "sync.concurrency must be positive")
	}
	if c.Sync.RetryBase.Std() <= 0 || c.Sync.RetryMax.Std() < c.Sync.RetryBase.Std() {
		return errors.New(errors.ErrConfig, "sync.retry_base and sync.retry_max must form a valid backoff range")
	}
	if c.Sync.Interval.Std() <= 0 {
		return errors.New(errors.ErrConfig, "sync.interval must be positive")
	}
	return nil
}
