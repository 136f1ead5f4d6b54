package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.Users != 2 {
		t.Errorf("Device.Users = %d, want 2", cfg.Device.Users)
	}
	if cfg.Device.Adapter != "hci0" {
		t.Errorf("Device.Adapter = %q, want %q", cfg.Device.Adapter, "hci0")
	}
	if cfg.BLE.ConnectTimeout != 10*time.Second {
		t.Errorf("BLE.ConnectTimeout = %v, want 10s", cfg.BLE.ConnectTimeout)
	}
	if cfg.BLE.MaxWrite != 16 {
		t.Errorf("BLE.MaxWrite = %d, want 16", cfg.BLE.MaxWrite)
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("Sync.MaxAttempts = %d, want 3", cfg.Sync.MaxAttempts)
	}
	if filepath.Base(cfg.Sync.Database) != "viva_measurements.db" {
		t.Errorf("Sync.Database = %q, want viva_measurements.db", cfg.Sync.Database)
	}
	if !cfg.Scan.Enabled {
		t.Error("Scan.Enabled should default to true")
	}
	if cfg.MQTT.Broker != "" {
		t.Errorf("MQTT.Broker = %q, want empty", cfg.MQTT.Broker)
	}
	if cfg.Transfer.Enabled {
		t.Error("Transfer.Enabled should default to false")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
device:
  address: 28:ff:b2:7f:20:3b
  users: 4
ble:
  connect_timeout: 20s
  write_settle: 500ms
sync:
  max_attempts: 5
  database: /tmp/viva.db
scan:
  enabled: false
schedule: "0 */6 * * *"
mqtt:
  broker: tcp://broker:1883
  status_topic: omviva/status
  qos: 1
log_level: debug
log_format: json
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.Address != "28:FF:B2:7F:20:3B" {
		t.Errorf("Device.Address = %q, want upper-cased address", cfg.Device.Address)
	}
	if cfg.Device.Users != 4 {
		t.Errorf("Device.Users = %d, want 4", cfg.Device.Users)
	}
	if cfg.BLE.ConnectTimeout != 20*time.Second {
		t.Errorf("BLE.ConnectTimeout = %v, want 20s", cfg.BLE.ConnectTimeout)
	}
	if cfg.BLE.WriteSettle != 500*time.Millisecond {
		t.Errorf("BLE.WriteSettle = %v, want 500ms", cfg.BLE.WriteSettle)
	}
	// Unset fields keep their defaults.
	if cfg.BLE.NotifySettle != 5*time.Second {
		t.Errorf("BLE.NotifySettle = %v, want default 5s", cfg.BLE.NotifySettle)
	}
	if cfg.Sync.MaxAttempts != 5 {
		t.Errorf("Sync.MaxAttempts = %d, want 5", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.Database != "/tmp/viva.db" {
		t.Errorf("Sync.Database = %q, want %q", cfg.Sync.Database, "/tmp/viva.db")
	}
	if cfg.Scan.Enabled {
		t.Error("Scan.Enabled = true, want false")
	}
	if cfg.Schedule != "0 */6 * * *" {
		t.Errorf("Schedule = %q", cfg.Schedule)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if cfg.MQTT.CommandTopic != "omviva/sync" {
		t.Errorf("MQTT.CommandTopic = %q, want default", cfg.MQTT.CommandTopic)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("LogLevel/LogFormat = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	yamlContent := `
sync:
  database: ~/data/viva.db
transfer:
  key_file: ~/.ssh/id_ed25519
log_output: ~/logs/omviva.log
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, "data", "viva.db"); cfg.Sync.Database != want {
		t.Errorf("Sync.Database = %q, want %q", cfg.Sync.Database, want)
	}
	if want := filepath.Join(home, ".ssh", "id_ed25519"); cfg.Transfer.KeyFile != want {
		t.Errorf("Transfer.KeyFile = %q, want %q", cfg.Transfer.KeyFile, want)
	}
	if want := filepath.Join(home, "logs", "omviva.log"); cfg.LogOutput != want {
		t.Errorf("LogOutput = %q, want %q", cfg.LogOutput, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should return error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("ble: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.Device.Address = "28:FF:B2:7F:20:3B"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing address",
			modify:  func(c *Config) { c.Device.Address = "" },
			wantErr: true,
		},
		{
			name:    "malformed address",
			modify:  func(c *Config) { c.Device.Address = "28:FF:B2" },
			wantErr: true,
		},
		{
			name:    "zero users",
			modify:  func(c *Config) { c.Device.Users = 0 },
			wantErr: true,
		},
		{
			name:    "five users",
			modify:  func(c *Config) { c.Device.Users = 5 },
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.BLE.ConnectTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative write settle",
			modify:  func(c *Config) { c.BLE.WriteSettle = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero settle delays allowed",
			modify:  func(c *Config) { c.BLE.NotifySettle, c.BLE.WriteSettle, c.BLE.PairDelay = 0, 0, 0 },
			wantErr: false,
		},
		{
			name:    "max write too small",
			modify:  func(c *Config) { c.BLE.MaxWrite = 4 },
			wantErr: true,
		},
		{
			name:    "zero attempts",
			modify:  func(c *Config) { c.Sync.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "empty database",
			modify:  func(c *Config) { c.Sync.Database = "" },
			wantErr: true,
		},
		{
			name:    "mqtt bad qos",
			modify:  func(c *Config) { c.MQTT.Broker = "tcp://localhost:1883"; c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "mqtt without command topic",
			modify:  func(c *Config) { c.MQTT.Broker = "tcp://localhost:1883"; c.MQTT.CommandTopic = "" },
			wantErr: true,
		},
		{
			name:    "qos ignored without broker",
			modify:  func(c *Config) { c.MQTT.QoS = 7 },
			wantErr: false,
		},
		{
			name:    "transfer without host",
			modify:  func(c *Config) { c.Transfer.Enabled = true; c.Transfer.User = "pi"; c.Transfer.KeyFile = "/k" },
			wantErr: true,
		},
		{
			name: "transfer complete",
			modify: func(c *Config) {
				c.Transfer.Enabled = true
				c.Transfer.Host = "nas.local"
				c.Transfer.User = "pi"
				c.Transfer.KeyFile = "/k"
			},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "omviva-sync", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# omviva-sync") {
		t.Error("written config should start with header comment")
	}

	// The written file loads back to the defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written config error = %v", err)
	}
	def := Default()
	if cfg.BLE != def.BLE {
		t.Errorf("written BLE = %+v, want %+v", cfg.BLE, def.BLE)
	}
	if cfg.Sync != def.Sync {
		t.Errorf("written Sync = %+v, want %+v", cfg.Sync, def.Sync)
	}
	if cfg.Scan != def.Scan {
		t.Errorf("written Scan = %+v, want %+v", cfg.Scan, def.Scan)
	}
	if cfg.Device.Address != "" {
		t.Errorf("written Device.Address = %q, want empty", cfg.Device.Address)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "omviva-sync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("device:\n  address: 28:FF:B2:7F:20:3B\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Errorf("existing config was modified: %q", data)
	}
}
