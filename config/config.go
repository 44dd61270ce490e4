// Package config loads toolkit options from a YAML file and environment
// variables. Environment keys use the SOURCED_ prefix with underscores
// for nesting, e.g. SOURCED_OUTBOX_BATCH_SIZE=50.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "SOURCED_"

// Config is the top-level toolkit configuration.
type Config struct {
	Snapshot SnapshotConfig `koanf:"snapshot"`
	Outbox   OutboxConfig   `koanf:"outbox"`
	Bus      BusConfig      `koanf:"bus"`
	Lock     LockConfig     `koanf:"lock"`
}

type SnapshotConfig struct {
	// Frequency is how many committed events between snapshots; 0
	// disables snapshot creation.
	Frequency uint32 `koanf:"frequency"`
}

type OutboxConfig struct {
	BatchSize   int    `koanf:"batch_size"`
	Lease       string `koanf:"lease"`
	MaxAttempts uint32 `koanf:"max_attempts"`
	Interval    string `koanf:"interval"`
}

// LeaseDuration parses the configured lease, defaulting to 30s.
func (c OutboxConfig) LeaseDuration() time.Duration {
	return parseDuration(c.Lease, 30*time.Second)
}

// IntervalDuration parses the worker drain interval, defaulting to 1s.
func (c OutboxConfig) IntervalDuration() time.Duration {
	return parseDuration(c.Interval, time.Second)
}

type BusConfig struct {
	DefaultTimeout string `koanf:"default_timeout"`
}

// TimeoutDuration parses the default receive timeout, defaulting to 5s.
func (c BusConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.DefaultTimeout, 5*time.Second)
}

type LockConfig struct {
	// Manager selects the lock implementation: "memory" or "redis".
	Manager   string `koanf:"manager"`
	RedisAddr string `koanf:"redis_addr"`
	Lease     string `koanf:"lease"`
}

func (c LockConfig) LeaseDuration() time.Duration {
	return parseDuration(c.Lease, 30*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Snapshot: SnapshotConfig{Frequency: 0},
		Outbox: OutboxConfig{
			BatchSize:   10,
			Lease:       "30s",
			MaxAttempts: 5,
			Interval:    "1s",
		},
		Bus:  BusConfig{DefaultTimeout: "5s"},
		Lock: LockConfig{Manager: "memory"},
	}
}

func (c *Config) Validate() error {
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be positive, got %d", c.Outbox.BatchSize)
	}
	if c.Outbox.MaxAttempts == 0 {
		return fmt.Errorf("outbox.max_attempts must be at least 1")
	}
	if c.Outbox.Lease != "" {
		if _, err := time.ParseDuration(c.Outbox.Lease); err != nil {
			return fmt.Errorf("invalid outbox.lease %q: %w", c.Outbox.Lease, err)
		}
	}
	if c.Outbox.Interval != "" {
		if _, err := time.ParseDuration(c.Outbox.Interval); err != nil {
			return fmt.Errorf("invalid outbox.interval %q: %w", c.Outbox.Interval, err)
		}
	}
	if c.Bus.DefaultTimeout != "" {
		if _, err := time.ParseDuration(c.Bus.DefaultTimeout); err != nil {
			return fmt.Errorf("invalid bus.default_timeout %q: %w", c.Bus.DefaultTimeout, err)
		}
	}
	switch c.Lock.Manager {
	case "", "memory":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required with lock.manager=redis")
		}
	default:
		return fmt.Errorf("unknown lock.manager %q (memory or redis)", c.Lock.Manager)
	}
	return nil
}

// Load reads the optional YAML file at path, layers environment
// overrides on top, and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		// Two-level keys only: the first underscore separates the
		// section, the rest is the field.
		return strings.Replace(s, "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
