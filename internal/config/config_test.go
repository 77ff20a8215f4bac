package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:8001" {
		t.Errorf("addr = %q, want 127.0.0.1:8001", cfg.Addr())
	}
}

func TestLoadParsesModulesTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
host = "0.0.0.0"
port = 9001

[gateway]
rate_limit_rpm = 60

[modules.homeassistant]
url = "http://hass.local:8123"
token = "abc"
enabled = true
poll_seconds = 30
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:9001" {
		t.Errorf("addr = %q", cfg.Addr())
	}
	if cfg.Gateway.RateLimitRPM != 60 {
		t.Errorf("rate_limit_rpm = %d, want 60", cfg.Gateway.RateLimitRPM)
	}

	mc := cfg.ModuleConfig("homeassistant")
	want := map[string]string{
		"url":          "http://hass.local:8123",
		"token":        "abc",
		"enabled":      "true",
		"poll_seconds": "30",
	}
	for k, v := range want {
		if mc[k] != v {
			t.Errorf("module config %s = %q, want %q", k, mc[k], v)
		}
	}
	if got := cfg.ModuleConfig("absent"); len(got) != 0 {
		t.Errorf("absent module config = %v, want empty", got)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("host = [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load succeeded on malformed file")
	}
}
