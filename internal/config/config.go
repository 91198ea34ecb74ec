// Package config handles signalkd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/signalkd/config.yaml, /config/config.yaml,
// /etc/signalkd/config.yaml. An explicit path (from -config flag) is
// handled by FindConfig and bypasses this list.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "signalkd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/signalkd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all signalkd configuration.
type Config struct {
	Listen               ListenConfig  `yaml:"listen"`
	Storage              StorageConfig `yaml:"storage"`
	MQTT                 MQTTConfig    `yaml:"mqtt"`
	Vessel               VesselConfig  `yaml:"vessel"`
	PruneContextsMinutes int           `yaml:"prune_contexts_minutes"`
	DebugNamespaces      []string      `yaml:"debug_namespaces"`
	LogLevel             string        `yaml:"log_level"`
}

// ListenConfig defines the HTTP/WebSocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// StorageConfig selects the configstore backend and where it persists
// its documents. Driver chooses between the two deployment shapes
// configstore.KVBackend supports ("sqlite3" cgo, "sqlite" pure-Go) plus
// a plain filesystem shape ("fs"); Root/DSN is interpreted according
// to which driver is selected.
type StorageConfig struct {
	// Driver is one of "fs", "sqlite3" (cgo), or "sqlite" (pure-Go).
	Driver string `yaml:"driver"`
	// Root is the directory FSBackend stores documents under. Only
	// meaningful when Driver is "fs".
	Root string `yaml:"root"`
	// DSN is the database/sql data source name passed to KVBackend.
	// Only meaningful when Driver is "sqlite3" or "sqlite".
	DSN string `yaml:"dsn"`
}

// MQTTConfig defines the optional MQTT provider bridge. When Broker is
// empty the bridge is not started.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicFilter string `yaml:"topic_filter"`
	RateLimit   int64  `yaml:"rate_limit"`
}

// VesselConfig seeds the self vessel's identity the first time the
// server runs. Once a Vessel record exists in configstore, that
// persisted record wins over these values on subsequent starts.
type VesselConfig struct {
	UUID string `yaml:"uuid"`
	Name string `yaml:"name"`
	MMSI string `yaml:"mmsi"`
}

// Configured reports whether the MQTT provider bridge has a broker to
// connect to. A config with no broker set simply skips starting it.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${SIGNALK_MQTT_PASSWORD}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3000
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "fs"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "./data"
	}
	if c.PruneContextsMinutes == 0 {
		c.PruneContextsMinutes = 60
	}
	if c.MQTT.Configured() {
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "signalk-bridge"
		}
		if c.MQTT.TopicFilter == "" {
			c.MQTT.TopicFilter = "signalk/+/+/delta"
		}
		if c.MQTT.RateLimit == 0 {
			c.MQTT.RateLimit = 200
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	switch c.Storage.Driver {
	case "fs", "sqlite3", "sqlite":
	default:
		return fmt.Errorf("storage.driver %q must be one of fs, sqlite3, sqlite", c.Storage.Driver)
	}
	if c.Storage.Driver != "fs" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required when storage.driver is %q", c.Storage.Driver)
	}
	if c.PruneContextsMinutes < 0 {
		return fmt.Errorf("prune_contexts_minutes %d must not be negative", c.PruneContextsMinutes)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development: a filesystem-backed configstore under ./data and no
// MQTT provider bridge. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
