package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the gateway.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr              string   `json:"addr" yaml:"addr" toml:"addr"`
	FoundryBin        string   `json:"foundry_bin" yaml:"foundry_bin" toml:"foundry_bin"`
	LogLevel          string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	CLITimeoutSeconds int      `json:"cli_timeout_seconds" yaml:"cli_timeout_seconds" toml:"cli_timeout_seconds"`
	DownloadAttempts  int      `json:"download_attempts" yaml:"download_attempts" toml:"download_attempts"`
	APIKey            string   `json:"api_key" yaml:"api_key" toml:"api_key"`
	CORSEnabled       bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins       []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:       ":8080",
		FoundryBin: "foundry",
		LogLevel:   "info",
	}
}

// Merge overlays non-zero fields of other onto c and returns the result.
// Used to apply file values under flag values.
func Merge(c, other Config) Config {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.FoundryBin != "" {
		c.FoundryBin = other.FoundryBin
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.CLITimeoutSeconds != 0 {
		c.CLITimeoutSeconds = other.CLITimeoutSeconds
	}
	if other.DownloadAttempts != 0 {
		c.DownloadAttempts = other.DownloadAttempts
	}
	if other.APIKey != "" {
		c.APIKey = other.APIKey
	}
	if other.CORSEnabled {
		c.CORSEnabled = true
	}
	if len(other.CORSOrigins) != 0 {
		c.CORSOrigins = append([]string(nil), other.CORSOrigins...)
	}
	return c
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/bin/foundry
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
