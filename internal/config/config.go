package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Adapter     string        `yaml:"adapter"`   // "default" or "hci"
	HCIIndex    int           `yaml:"hci_index"` // N in hciN, used by the hci adapter
	Scan        ScanConfig    `yaml:"scan"`
	Connect     ConnectConfig `yaml:"connect"`
	BluFi       BluFiConfig   `yaml:"blufi"`
	HistoryPath string        `yaml:"history_path"`
	LogLevel    string        `yaml:"log_level"`
}

// ScanConfig holds device discovery settings.
type ScanConfig struct {
	Filter   string        `yaml:"filter"` // case-insensitive name substring
	Duration time.Duration `yaml:"duration"`
}

// ConnectConfig holds link setup settings.
type ConnectConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	MTU     int           `yaml:"mtu"`
}

// BluFiConfig holds provisioning protocol settings.
type BluFiConfig struct {
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	RequireSecurity bool          `yaml:"require_security"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blufictl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Adapter: "default",
		Scan: ScanConfig{
			Filter:   "BLUFI",
			Duration: 5 * time.Second,
		},
		Connect: ConnectConfig{
			Timeout: 30 * time.Second,
			MTU:     512,
		},
		BluFi: BluFiConfig{
			WriteTimeout:    5 * time.Second,
			ResponseTimeout: 10 * time.Second,
		},
		HistoryPath: "~/.local/share/blufictl/history.db",
		LogLevel:    "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in history_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding config path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.HistoryPath = expandTilde(cfg.HistoryPath)

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to the defaults
// otherwise.
func LoadOrDefault(path string) (*Config, error) {
	expanded, err := homedir.Expand(path)
	if err == nil {
		if _, statErr := os.Stat(expanded); os.IsNotExist(statErr) {
			cfg := Default()
			cfg.HistoryPath = expandTilde(cfg.HistoryPath)
			return cfg, nil
		}
	}
	return Load(path)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Adapter {
	case "default", "hci":
	default:
		return fmt.Errorf("adapter must be \"default\" or \"hci\", got %q", c.Adapter)
	}

	if c.HCIIndex < 0 {
		return fmt.Errorf("hci_index must be >= 0")
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}

	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0")
	}

	// 23 is the ATT default, 517 the largest MTU the ATT layer can carry.
	if c.Connect.MTU < 23 || c.Connect.MTU > 517 {
		return fmt.Errorf("connect.mtu must be between 23 and 517, got %d", c.Connect.MTU)
	}

	if c.BluFi.WriteTimeout <= 0 {
		return fmt.Errorf("blufi.write_timeout must be > 0")
	}

	if c.BluFi.ResponseTimeout <= 0 {
		return fmt.Errorf("blufi.response_timeout must be > 0")
	}

	if c.HistoryPath == "" {
		return fmt.Errorf("history_path must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultHeader = `# blufictl configuration
# adapter: "default" uses CoreBluetooth on macOS and BlueZ on Linux,
# "hci" talks to hci<hci_index> directly (Linux only, needs CAP_NET_ADMIN).
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return expanded
}
