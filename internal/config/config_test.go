// ABOUTME: Tests for configuration loading
// ABOUTME: Covers defaults, env expansion, duration parsing and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harbord.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalConfig = `
origin:
  base_url: https://app.example.com
database:
  path: /var/lib/harbor/harbor.db
cache:
  static_assets:
    - /
    - /app.js
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Origin.BaseURL != "https://app.example.com" {
		t.Errorf("BaseURL mismatch: got %q", cfg.Origin.BaseURL)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:8475" {
		t.Errorf("expected default http_addr, got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Origin.RequestTimeout != 30*time.Second {
		t.Errorf("expected default request timeout, got %v", cfg.Origin.RequestTimeout)
	}
	if cfg.Cache.AudioPrefix != "/audio/" || cfg.Cache.APIPrefix != "/api/" {
		t.Errorf("expected default prefixes, got %q %q", cfg.Cache.AudioPrefix, cfg.Cache.APIPrefix)
	}
	if cfg.Sync.ReplaySchedule != "@every 5m" {
		t.Errorf("expected default replay schedule, got %q", cfg.Sync.ReplaySchedule)
	}
	if cfg.Notify.LowMoodThreshold != 2 || cfg.Notify.LowMoodCount != 3 || cfg.Notify.LookbackDays != 3 {
		t.Errorf("unexpected notify defaults: %+v", cfg.Notify)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("HARBOR_TEST_ORIGIN", "https://env.example.com")

	cfg, err := Load(writeConfig(t, `
origin:
  base_url: ${HARBOR_TEST_ORIGIN}
database:
  path: /tmp/harbor.db
cache:
  static_assets: ["/"]
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Origin.BaseURL != "https://env.example.com" {
		t.Errorf("env var not expanded: got %q", cfg.Origin.BaseURL)
	}
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
origin:
  base_url: https://app.example.com
  request_timeout: 5s
database:
  path: /tmp/harbor.db
cache:
  static_assets: ["/"]
  activation_delay: 2m
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Origin.RequestTimeout != 5*time.Second {
		t.Errorf("request_timeout mismatch: got %v", cfg.Origin.RequestTimeout)
	}
	if cfg.Cache.ActivationDelay != 2*time.Minute {
		t.Errorf("activation_delay mismatch: got %v", cfg.Cache.ActivationDelay)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
origin:
  base_url: https://app.example.com
  request_timeout: not-a-duration
database:
  path: /tmp/harbor.db
cache:
  static_assets: ["/"]
`))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoad_MissingOrigin(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  path: /tmp/harbor.db
cache:
  static_assets: ["/"]
`))
	if err == nil {
		t.Fatal("expected validation error for missing origin")
	}
}

func TestLoad_MissingManifest(t *testing.T) {
	_, err := Load(writeConfig(t, `
origin:
  base_url: https://app.example.com
database:
  path: /tmp/harbor.db
`))
	if err == nil {
		t.Fatal("expected validation error for empty static_assets")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/harbord.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
