package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for promptvault.
//
// NOTE: This file may contain provider API keys. Always keep it chmod 0600.
type Config struct {
	// DataDir holds the database, the legacy prompts file, backups, and the
	// instance lock. If empty, ~/.promptvault is used.
	DataDir string `json:"data_dir,omitempty"`

	// Port is the local HTTP API port (loopback only).
	Port int `json:"port,omitempty"`

	// BackupFormat is "db", "json", "csv", or "parquet".
	BackupFormat string `json:"backup_format,omitempty"`

	// OpenAIAPIKey / AnthropicAPIKey enable the optional prompt runner.
	OpenAIAPIKey    string `json:"openai_api_key,omitempty"`
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

const DefaultPort = 24980

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	switch strings.TrimSpace(c.BackupFormat) {
	case "", "db", "json", "csv", "parquet":
	default:
		return fmt.Errorf("invalid backup_format: %q", c.BackupFormat)
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.promptvault/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "promptvault.config.json"
	}
	return filepath.Join(home, ".promptvault", "config.json")
}

// ResolvedDataDir returns DataDir, defaulting to ~/.promptvault.
func (c *Config) ResolvedDataDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.DataDir); dir != "" {
			return filepath.Clean(dir)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".promptvault"
	}
	return filepath.Join(home, ".promptvault")
}

// DBPath is the SQLite database file inside the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.ResolvedDataDir(), "prompts.db")
}

// LegacyPath is the old JSON prompt-library file migrated on first run.
func (c *Config) LegacyPath() string {
	return filepath.Join(c.ResolvedDataDir(), "prompts.json")
}

// BackupDir is where triggered backups are written.
func (c *Config) BackupDir() string {
	return filepath.Join(c.ResolvedDataDir(), "backups")
}

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.ResolvedDataDir(), "promptvault.lock")
}

func (c *Config) ResolvedPort() int {
	if c == nil || c.Port <= 0 {
		return DefaultPort
	}
	return c.Port
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads the config, returning defaults when the file is absent.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
