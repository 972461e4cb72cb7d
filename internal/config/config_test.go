package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Relays) == 0 {
		t.Fatalf("expected default relays to be populated")
	}
	if cfg.RetryInterval != time.Second {
		t.Fatalf("expected default retry interval of 1s, got %v", cfg.RetryInterval)
	}
}

func TestLoadOverridesFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
data_dir = "/tmp/custom-data"
relays = ["wss://example.relay"]
max_retries = 7
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/custom-data" {
		t.Fatalf("expected DataDir override, got %q", cfg.DataDir)
	}
	if len(cfg.Relays) != 1 || cfg.Relays[0] != "wss://example.relay" {
		t.Fatalf("expected relay override, got %+v", cfg.Relays)
	}
	if cfg.MaxRetries != 7 {
		t.Fatalf("expected max_retries override to 7, got %d", cfg.MaxRetries)
	}
}

func TestLoadEnvOverlays(t *testing.T) {
	t.Setenv("AGENT_PULSE_WEBHOOK_URL", "https://hooks.example/agent")
	t.Setenv("AGENT_PULSE_EPHEMERAL", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WebhookURL != "https://hooks.example/agent" {
		t.Fatalf("expected webhook url from env, got %q", cfg.WebhookURL)
	}
	if !cfg.Ephemeral {
		t.Fatalf("expected ephemeral true from env")
	}
}

func TestDefaultDataDirHonorsEnvOverride(t *testing.T) {
	t.Setenv("AGENT_PULSE_DATA_DIR", "/custom/data/dir")
	if got := DefaultDataDir(); got != "/custom/data/dir" {
		t.Fatalf("expected env override, got %q", got)
	}
}
