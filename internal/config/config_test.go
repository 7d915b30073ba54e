package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// fakeHome points HOME at a temp dir for the duration of the test.
func fakeHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.Reset()
	t.Cleanup(homedir.Reset)
	return home
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Adapter != "default" {
		t.Errorf("Adapter = %q, want %q", cfg.Adapter, "default")
	}
	if cfg.Connect.Timeout != 30*time.Second {
		t.Errorf("Connect.Timeout = %v, want 30s", cfg.Connect.Timeout)
	}
	if cfg.Connect.MTU != 512 {
		t.Errorf("Connect.MTU = %d, want 512", cfg.Connect.MTU)
	}
	if cfg.BluFi.WriteTimeout != 5*time.Second {
		t.Errorf("BluFi.WriteTimeout = %v, want 5s", cfg.BluFi.WriteTimeout)
	}
	if cfg.BluFi.RequireSecurity {
		t.Error("BluFi.RequireSecurity should default to false")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	cfgPath := writeConfig(t, `
adapter: hci
hci_index: 1
scan:
  filter: ESP
  duration: 10s
connect:
  timeout: 15s
  mtu: 247
blufi:
  write_timeout: 2s
  response_timeout: 4s
  require_security: true
history_path: /tmp/blufi-history.db
log_level: debug
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Adapter != "hci" || cfg.HCIIndex != 1 {
		t.Errorf("Adapter = %q/%d, want hci/1", cfg.Adapter, cfg.HCIIndex)
	}
	if cfg.Scan.Filter != "ESP" {
		t.Errorf("Scan.Filter = %q, want %q", cfg.Scan.Filter, "ESP")
	}
	if cfg.Scan.Duration != 10*time.Second {
		t.Errorf("Scan.Duration = %v, want 10s", cfg.Scan.Duration)
	}
	if cfg.Connect.Timeout != 15*time.Second {
		t.Errorf("Connect.Timeout = %v, want 15s", cfg.Connect.Timeout)
	}
	if cfg.Connect.MTU != 247 {
		t.Errorf("Connect.MTU = %d, want 247", cfg.Connect.MTU)
	}
	if cfg.BluFi.WriteTimeout != 2*time.Second || cfg.BluFi.ResponseTimeout != 4*time.Second {
		t.Errorf("BluFi timeouts = %v/%v, want 2s/4s", cfg.BluFi.WriteTimeout, cfg.BluFi.ResponseTimeout)
	}
	if !cfg.BluFi.RequireSecurity {
		t.Error("BluFi.RequireSecurity = false, want true")
	}
	if cfg.HistoryPath != "/tmp/blufi-history.db" {
		t.Errorf("HistoryPath = %q", cfg.HistoryPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	cfgPath := writeConfig(t, `
connect:
  mtu: 185
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Connect.MTU != 185 {
		t.Errorf("Connect.MTU = %d, want 185", cfg.Connect.MTU)
	}
	if cfg.Connect.Timeout != 30*time.Second {
		t.Errorf("Connect.Timeout = %v, want default 30s", cfg.Connect.Timeout)
	}
	if cfg.Scan.Filter != "BLUFI" {
		t.Errorf("Scan.Filter = %q, want default", cfg.Scan.Filter)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home := fakeHome(t)

	cfgPath := writeConfig(t, `
history_path: ~/blufi/history.db
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "blufi/history.db")
	if cfg.HistoryPath != expected {
		t.Errorf("HistoryPath = %q, want %q", cfg.HistoryPath, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := writeConfig(t, "connect: [not a map")
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	home := fakeHome(t)

	cfg, err := LoadOrDefault(filepath.Join(home, "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.HistoryPath != filepath.Join(home, ".local/share/blufictl/history.db") {
		t.Errorf("HistoryPath = %q, want it under the home directory", cfg.HistoryPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "hci adapter",
			modify:  func(c *Config) { c.Adapter = "hci"; c.HCIIndex = 2 },
			wantErr: false,
		},
		{
			name:    "unknown adapter",
			modify:  func(c *Config) { c.Adapter = "usb" },
			wantErr: true,
		},
		{
			name:    "negative hci index",
			modify:  func(c *Config) { c.HCIIndex = -1 },
			wantErr: true,
		},
		{
			name:    "zero scan duration",
			modify:  func(c *Config) { c.Scan.Duration = 0 },
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.Connect.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "mtu below ATT default",
			modify:  func(c *Config) { c.Connect.MTU = 20 },
			wantErr: true,
		},
		{
			name:    "mtu above ATT maximum",
			modify:  func(c *Config) { c.Connect.MTU = 600 },
			wantErr: true,
		},
		{
			name:    "zero write timeout",
			modify:  func(c *Config) { c.BluFi.WriteTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero response timeout",
			modify:  func(c *Config) { c.BluFi.ResponseTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "empty history path",
			modify:  func(c *Config) { c.HistoryPath = "" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	tmpHome := fakeHome(t)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "blufictl", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	if !strings.HasPrefix(string(data), "# blufictl") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Connect.Timeout != 30*time.Second {
		t.Errorf("written config Connect.Timeout = %v, want 30s", cfg.Connect.Timeout)
	}
	if cfg.Adapter != "default" {
		t.Errorf("written config Adapter = %q, want %q", cfg.Adapter, "default")
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := fakeHome(t)

	configDir := filepath.Join(tmpHome, ".config", "blufictl")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("adapter: hci\n")
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
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
