package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Timeouts bounds every adapter interaction the daemon performs.
type Timeouts struct {
	Read          time.Duration `yaml:"read"`
	Write         time.Duration `yaml:"write"`
	MarkerExpiry  time.Duration `yaml:"marker_expiry"`
	ReorderWindow time.Duration `yaml:"reorder_window"`
	Subscribe     time.Duration `yaml:"subscribe"`
}

// Writes configures the write coordinator.
type Writes struct {
	MaxInFlight int `yaml:"max_inflight"`
	// RatePerResource is writes per second per resource; 0 is unlimited.
	RatePerResource float64 `yaml:"rate_per_resource"`
	Burst           int     `yaml:"burst"`
}

type Events struct {
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`
}

// Reconcile configures the periodic drift check. An interval of 0
// disables it.
type Reconcile struct {
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig configures the daemon's slog handler.
type LoggingConfig struct {
	// Level controls verbosity: debug, info, warn, error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
	// File is the log file path; empty logs to stderr
	File string `yaml:"file,omitempty"`
}

type Metrics struct {
	// Listen is the address of the Prometheus endpoint; empty disables it.
	Listen string `yaml:"listen,omitempty"`
}

type IPC struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the effective configuration.
type Config struct {
	Timeouts  Timeouts      `yaml:"timeouts"`
	Writes    Writes        `yaml:"writes"`
	Events    Events        `yaml:"events"`
	Reconcile Reconcile     `yaml:"reconcile"`
	Logging   LoggingConfig `yaml:"logging"`
	Metrics   Metrics       `yaml:"metrics"`
	IPC       IPC           `yaml:"ipc"`
}

func DefaultConfig() *Config {
	return &Config{
		Timeouts: Timeouts{
			Read:          time.Second,
			Write:         time.Second,
			MarkerExpiry:  2 * time.Second,
			ReorderWindow: 50 * time.Millisecond,
			Subscribe:     2 * time.Second,
		},
		Writes: Writes{
			MaxInFlight: 64,
			Burst:       1,
		},
		Events:    Events{TombstoneTTL: 30 * time.Second},
		Reconcile: Reconcile{Interval: 30 * time.Second},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		IPC: IPC{Enabled: true},
	}
}

// SlogLevel maps Logging.Level onto slog. Validate rejects anything it
// cannot map.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Save writes the effective configuration to the default path.
func (c *Config) Save() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	positive := []struct {
		path string
		d    time.Duration
	}{
		{"timeouts.read", c.Timeouts.Read},
		{"timeouts.write", c.Timeouts.Write},
		{"timeouts.marker_expiry", c.Timeouts.MarkerExpiry},
		{"timeouts.subscribe", c.Timeouts.Subscribe},
		{"events.tombstone_ttl", c.Events.TombstoneTTL},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return &ValidationError{Path: p.path, Err: fmt.Errorf("must be > 0")}
		}
	}
	if c.Timeouts.ReorderWindow < 0 {
		return &ValidationError{Path: "timeouts.reorder_window", Err: fmt.Errorf("must be >= 0")}
	}
	if c.Timeouts.MarkerExpiry < c.Timeouts.Write {
		return &ValidationError{Path: "timeouts.marker_expiry", Err: fmt.Errorf("must be >= timeouts.write (%s)", c.Timeouts.Write)}
	}
	if c.Writes.MaxInFlight < 1 {
		return &ValidationError{Path: "writes.max_inflight", Err: fmt.Errorf("must be >= 1")}
	}
	if c.Writes.RatePerResource < 0 {
		return &ValidationError{Path: "writes.rate_per_resource", Err: fmt.Errorf("must be >= 0")}
	}
	if c.Writes.Burst < 1 {
		return &ValidationError{Path: "writes.burst", Err: fmt.Errorf("must be >= 1")}
	}
	if c.Reconcile.Interval < 0 {
		return &ValidationError{Path: "reconcile.interval", Err: fmt.Errorf("must be >= 0")}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ValidationError{Path: "logging.level", Err: fmt.Errorf("logging.level must be one of: debug, info, warn, error")}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return &ValidationError{Path: "logging.format", Err: fmt.Errorf("logging.format must be one of: text, json")}
	}
	return nil
}
