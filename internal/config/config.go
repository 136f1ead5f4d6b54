package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig   `yaml:"device"`
	BLE       BLEConfig      `yaml:"ble"`
	Sync      SyncConfig     `yaml:"sync"`
	Scan      ScanConfig     `yaml:"scan"`
	Schedule  string         `yaml:"schedule"` // cron expression or duration; empty disables
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Transfer  TransferConfig `yaml:"transfer"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // "text" or "json"
	LogOutput string         `yaml:"log_output"` // "stderr", "stdout" or a file path
}

// DeviceConfig identifies the scale.
type DeviceConfig struct {
	Address    string `yaml:"address"`
	Users      int    `yaml:"users"`
	Adapter    string `yaml:"adapter"`
	NamePrefix string `yaml:"name_prefix"`
}

// BLEConfig holds connection timings. The scale acknowledges nothing past
// the link-level write, so these delays pace the protocol.
type BLEConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PairDelay      time.Duration `yaml:"pair_delay"`
	NotifySettle   time.Duration `yaml:"notify_settle"`
	WriteSettle    time.Duration `yaml:"write_settle"`
	MaxWrite       int           `yaml:"max_write"`
}

// SyncConfig holds sync cycle settings.
type SyncConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Database    string        `yaml:"database"`
}

// ScanConfig holds passive scan trigger settings.
type ScanConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinInterval time.Duration `yaml:"min_interval"`
	Window      time.Duration `yaml:"window"`
}

// MQTTConfig holds broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	CommandTopic string `yaml:"command_topic"`
	StatusTopic  string `yaml:"status_topic"`
	QoS          int    `yaml:"qos"`
}

// TransferConfig holds remote copy settings.
type TransferConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	User       string        `yaml:"user"`
	KeyFile    string        `yaml:"key_file"`
	KnownHosts string        `yaml:"known_hosts"`
	RemotePath string        `yaml:"remote_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "omviva-sync")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the default directory for the measurement database.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "omviva-sync")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Device: DeviceConfig{
			Users:   2,
			Adapter: "hci0",
		},
		BLE: BLEConfig{
			ConnectTimeout: 10 * time.Second,
			PairDelay:      1 * time.Second,
			NotifySettle:   5 * time.Second,
			WriteSettle:    3 * time.Second,
			MaxWrite:       16,
		},
		Sync: SyncConfig{
			MaxAttempts: 3,
			RetryDelay:  5 * time.Second,
			Database:    filepath.Join(DefaultDataDir(), "viva_measurements.db"),
		},
		Scan: ScanConfig{
			Enabled:     true,
			MinInterval: 30 * time.Minute,
			Window:      30 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:     "omviva-sync",
			CommandTopic: "omviva/sync",
		},
		Transfer: TransferConfig{
			Port:       22,
			KnownHosts: filepath.Join(home, ".ssh", "known_hosts"),
			Timeout:    30 * time.Second,
		},
		LogLevel:  "info",
		LogFormat: "text",
		LogOutput: "stderr",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in file paths is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Sync.Database = expandTilde(cfg.Sync.Database)
	cfg.Transfer.KeyFile = expandTilde(cfg.Transfer.KeyFile)
	cfg.Transfer.KnownHosts = expandTilde(cfg.Transfer.KnownHosts)
	if cfg.LogOutput != "stderr" && cfg.LogOutput != "stdout" {
		cfg.LogOutput = expandTilde(cfg.LogOutput)
	}
	cfg.Device.Address = strings.ToUpper(cfg.Device.Address)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return fmt.Errorf("device.address must not be empty")
	}
	if _, err := net.ParseMAC(c.Device.Address); err != nil {
		return fmt.Errorf("device.address %q is not a MAC address", c.Device.Address)
	}
	if c.Device.Users < 1 || c.Device.Users > 4 {
		return fmt.Errorf("device.users must be between 1 and 4, got %d", c.Device.Users)
	}

	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"ble.pair_delay":    c.BLE.PairDelay,
		"ble.notify_settle": c.BLE.NotifySettle,
		"ble.write_settle":  c.BLE.WriteSettle,
		"sync.retry_delay":  c.Sync.RetryDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.BLE.MaxWrite < 5 || c.BLE.MaxWrite > 512 {
		return fmt.Errorf("ble.max_write must be between 5 and 512, got %d", c.BLE.MaxWrite)
	}

	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be >= 1")
	}
	if c.Sync.Database == "" {
		return fmt.Errorf("sync.database must not be empty")
	}

	if c.Scan.Enabled && c.Scan.MinInterval < 0 {
		return fmt.Errorf("scan.min_interval must not be negative")
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.CommandTopic == "" {
			return fmt.Errorf("mqtt.command_topic must not be empty when mqtt.broker is set")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
	}

	if c.Transfer.Enabled {
		switch {
		case c.Transfer.Host == "":
			return fmt.Errorf("transfer.host must not be empty when transfer is enabled")
		case c.Transfer.User == "":
			return fmt.Errorf("transfer.user must not be empty when transfer is enabled")
		case c.Transfer.KeyFile == "":
			return fmt.Errorf("transfer.key_file must not be empty when transfer is enabled")
		case c.Transfer.KnownHosts == "":
			return fmt.Errorf("transfer.known_hosts must not be empty when transfer is enabled")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

const defaultConfigYAML = `# omviva-sync configuration

device:
  # Bluetooth address of the scale. Find it with omviva-scan.
  address: ""
  # Number of user slots to sync, round-robin.
  users: 2
  adapter: hci0
  # name_prefix: BLEsmart_

ble:
  connect_timeout: 10s
  pair_delay: 1s
  notify_settle: 5s
  write_settle: 3s
  max_write: 16

sync:
  max_attempts: 3
  retry_delay: 5s
  database: ~/.local/share/omviva-sync/viva_measurements.db

scan:
  enabled: true
  min_interval: 30m
  window: 30s

# Cron expression ("0 */6 * * *") or duration ("6h"). Empty disables.
schedule: ""

mqtt:
  broker: ""
  client_id: omviva-sync
  command_topic: omviva/sync
  # status_topic: omviva/status
  qos: 0

transfer:
  enabled: false
  host: ""
  port: 22
  user: ""
  key_file: ~/.ssh/id_ed25519
  known_hosts: ~/.ssh/known_hosts
  remote_path: ""
  timeout: 30s

log_level: info
log_format: text
log_output: stderr
`

// WriteDefault writes a commented default config to DefaultConfigPath. It
// returns the path written, or "" if a config already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
