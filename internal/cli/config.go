// Package cli implements the command-line surface: a client for the
// admin HTTP API and the credentials file it authenticates with.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// CLIConfig represents the CLI configuration file (~/.trawl/config).
type CLIConfig struct {
	Servers map[string]ServerEntry `toml:"servers"`
}

// ServerEntry is one saved control plane.
type ServerEntry struct {
	URL     string `toml:"url"`
	Token   string `toml:"token,omitempty"`
	Session string `toml:"session,omitempty"`
	Subject string `toml:"subject,omitempty"`
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".trawl", "config")
}

// LoadConfig loads the CLI config from disk. A missing file is an empty
// config, not an error.
func LoadConfig() (*CLIConfig, error) {
	path := DefaultConfigPath()
	if path == "" {
		return &CLIConfig{Servers: make(map[string]ServerEntry)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &CLIConfig{Servers: make(map[string]ServerEntry)}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg CLIConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerEntry)
	}

	return &cfg, nil
}

// SaveConfig saves the CLI config to disk, atomically and mode 0600
// since it holds tokens.
func SaveConfig(cfg *CLIConfig) error {
	path := DefaultConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine config path")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpFile := path + ".tmp"
	f, err := os.OpenFile(tmpFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("write config: %w", err)
	}
	f.Close()

	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("save config: %w", err)
	}

	return nil
}

// Entry returns the saved entry for a server URL, or nil.
func (c *CLIConfig) Entry(serverURL string) *ServerEntry {
	for _, sc := range c.Servers {
		if sc.URL == serverURL {
			return &sc
		}
	}
	return nil
}

// SetEntry sets or updates a server entry under a name.
func (c *CLIConfig) SetEntry(name string, sc ServerEntry) {
	c.Servers[name] = sc
}
