// Package config handles configuration persistence for the filedaq daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrDuplicateName is returned by Validate when two entries share a name.
var ErrDuplicateName = errors.New("duplicate name")

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // Prefix for topics and keys
	Devices   []DeviceConfig `yaml:"devices"`
	PollRate  time.Duration  `yaml:"poll_rate"`
	Logging   LoggingConfig  `yaml:"logging"`
	Web       WebConfig      `yaml:"web"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	dataMu sync.Mutex `yaml:"-"`
}

// LoggingConfig controls the process logger and the protocol debug log.
type LoggingConfig struct {
	Level       string `yaml:"level"`                  // trace, debug, info, warn, error
	Format      string `yaml:"format"`                 // text or json
	File        string `yaml:"file,omitempty"`         // Optional append-only log file
	DebugLog    string `yaml:"debug_log,omitempty"`    // Protocol debug log path (empty = off)
	DebugFilter string `yaml:"debug_filter,omitempty"` // Comma-separated protocol filter
}

// WebConfig holds the HTTP server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Metrics bool   `yaml:"metrics"` // Serve Prometheus metrics at /metrics
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port format
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`
	Selector        string        `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"`          // TTL for keys (0 = no expiry)
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`  // Publish to Pub/Sub on changes
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"` // Consume the write queue
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	PublishChanges   bool   `yaml:"publish_changes,omitempty"`
	Selector         string `yaml:"selector,omitempty"`
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"` // Default true

	EnableWriteback bool          `yaml:"enable_writeback,omitempty"`
	ConsumerGroup   string        `yaml:"consumer_group,omitempty"` // Default: filedaq-{name}-writers
	WriteMaxAge     time.Duration `yaml:"write_max_age,omitempty"`  // Default: 2s
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "filedaq",
		Devices:   []DeviceConfig{},
		PollRate:  5 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Metrics: true,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".filedaq", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults. ${VAR} references are expanded from the environment first.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(ExpandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = DefaultConfig().PollRate
	}
	return cfg, nil
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save marshals the configuration and writes it to path.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// FindDevice returns the device config with the given name, or nil if not found.
func (c *Config) FindDevice(name string) *DeviceConfig {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i]
		}
	}
	return nil
}

// AddDevice adds a new device configuration.
func (c *Config) AddDevice(dev DeviceConfig) {
	c.Devices = append(c.Devices, dev)
}

// RemoveDevice removes a device configuration by name.
func (c *Config) RemoveDevice(name string) bool {
	for i, d := range c.Devices {
		if d.Name == name {
			c.Devices = append(c.Devices[:i], c.Devices[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateDevice updates an existing device configuration.
func (c *Config) UpdateDevice(name string, updated DeviceConfig) bool {
	for i, d := range c.Devices {
		if d.Name == name {
			c.Devices[i] = updated
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// Validate checks the process-wide settings. Per-device problems are
// reported by DeviceConfig.Validate so one bad device does not stop the
// others from running.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace %q: must contain only alphanumeric characters, hyphens, underscores and dots", c.Namespace)
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if seen[d.Name] {
			return fmt.Errorf("device %q: %w", d.Name, ErrDuplicateName)
		}
		seen[d.Name] = true
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
