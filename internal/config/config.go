// Package config loads the host configuration from config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config is the host configuration. Per-module tables under [modules.<name>]
// are opaque to the host and handed to module constructors as string maps.
type Config struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Gateway GatewayConfig
	// DataDir holds dashboards, installed guest modules, and per-module
	// storage. Defaults to <user-config-dir>/vessel.
	DataDir string                    `toml:"data_dir"`
	Modules map[string]map[string]any `toml:"modules"`
}

// GatewayConfig tunes the client bridge.
type GatewayConfig struct {
	// RateLimitRPM caps inbound frames per client per minute.
	// 0 disables rate limiting.
	RateLimitRPM int `toml:"rate_limit_rpm"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Host:    "127.0.0.1",
		Port:    8001,
		Modules: map[string]map[string]any{},
	}
}

// Load reads and parses the config file at path. A missing file yields the
// defaults; a present but malformed file is a fatal startup error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ResolveDataDir returns DataDir, falling back to <user-config-dir>/vessel
// and creating the directory if needed.
func (c *Config) ResolveDataDir() (string, error) {
	dir := c.DataDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		dir = filepath.Join(base, "vessel")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	return dir, nil
}

// ModulesDir returns the guest-module installation root under the data dir.
func (c *Config) ModulesDir() (string, error) {
	dir, err := c.ResolveDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "modules"), nil
}

// ModuleConfig returns the [modules.<name>] table flattened to strings,
// the form module constructors and guest config_get consume. Missing
// modules yield an empty map.
func (c *Config) ModuleConfig(name string) map[string]string {
	out := make(map[string]string)
	for k, v := range c.Modules[name] {
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
