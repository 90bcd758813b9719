// Package config loads hookwatch settings from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/hookwatch/internal/console"
	"github.com/ppiankov/hookwatch/internal/logqueue"
	"github.com/ppiankov/hookwatch/internal/registry"
)

// Config is the on-disk configuration. Fields missing from the file keep
// their defaults.
type Config struct {
	LogLevel       string                    `yaml:"log_level"`
	PatchFunctions bool                      `yaml:"patch_functions"`
	LogLimit       int                       `yaml:"log_limit"`
	ConsoleLimit   int                       `yaml:"console_limit"`
	Queue          QueueConfig               `yaml:"queue"`
	ChannelTick    time.Duration             `yaml:"channel_tick"`
	SpoofsPath     string                    `yaml:"spoofs_path"`
	JournalPath    string                    `yaml:"journal_path"`
	DecompileURL   string                    `yaml:"decompile_url"`
	BridgeAddr     string                    `yaml:"bridge_addr"`
	Classes        map[string]registry.Class `yaml:"classes"`
}

// QueueConfig bounds the log queue.
type QueueConfig struct {
	Capacity  int           `yaml:"capacity"`
	BatchSize int           `yaml:"batch_size"`
	Tick      time.Duration `yaml:"tick"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		LogLimit:     console.DefaultLogLimit,
		ConsoleLimit: console.DefaultConsoleLimit,
		Queue: QueueConfig{
			Capacity:  logqueue.DefaultCapacity,
			BatchSize: logqueue.DefaultBatchSize,
			Tick:      logqueue.DefaultTick,
		},
		ChannelTick: 30 * time.Millisecond,
		BridgeAddr:  "127.0.0.1:7341",
	}
}

// DefaultPath returns ~/.hookwatch/config.yaml, or "" when there is no home
// directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hookwatch", "config.yaml")
}

// Load reads path. Empty path falls back to DefaultPath. A missing file
// returns defaults; invalid YAML or values return an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot honor.
func (c *Config) Validate() error {
	if c.LogLimit <= 0 {
		return fmt.Errorf("config: log_limit must be positive")
	}
	if c.ConsoleLimit <= 0 {
		return fmt.Errorf("config: console_limit must be positive")
	}
	if c.Queue.Capacity <= 0 || c.Queue.BatchSize <= 0 {
		return fmt.Errorf("config: queue capacity and batch_size must be positive")
	}
	if c.Queue.Tick <= 0 || c.ChannelTick <= 0 {
		return fmt.Errorf("config: ticks must be positive")
	}
	if _, err := registry.New(c.Classes); err != nil {
		return fmt.Errorf("config: classes: %w", err)
	}
	return nil
}

// Registry builds the endpoint class registry with the configured overrides.
func (c *Config) Registry() (*registry.Registry, error) {
	return registry.New(c.Classes)
}

// DefaultYAML returns a commented config file for `hookwatch init`.
func DefaultYAML() string {
	return `# hookwatch configuration
# Generated by: hookwatch init

# debug | info | warn | error
log_level: info

# Hide hookwatch frames from traceback and getenv.
patch_functions: false

# Records kept per endpoint, and console lines kept overall.
log_limit: 100
console_limit: 500

# Records waiting for the presentation layer. The oldest are dropped past
# capacity; batch_size records are drained per tick.
queue:
  capacity: 4096
  batch_size: 64
  tick: 30ms

# How often worker contexts flush their channel traffic.
channel_tick: 30ms

# Spoof script, reloaded when it changes.
# spoofs_path: ~/.hookwatch/spoofs.js

# Hash-chained JSONL copy of every record.
# journal_path: ~/.hookwatch/calls.jsonl

# External decompilation service (single attempt, 10s timeout).
# decompile_url: http://127.0.0.1:8080/decompile

bridge_addr: 127.0.0.1:7341

# Endpoint classes. Entries replace built-ins by tag; an entry with no
# send and no receive methods removes the class.
# classes:
#   RemoteEvent:
#     send: [FireServer]
#     receive: [OnClientEvent]
`
}
