package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8723" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.ReorderWindow() != 100*time.Millisecond {
		t.Fatalf("reorder window = %v", cfg.ReorderWindow())
	}
	if cfg.SeenTTL() != time.Hour {
		t.Fatalf("seen ttl = %v", cfg.SeenTTL())
	}
	if cfg.DeliveryTimeout() != 10*time.Second {
		t.Fatalf("delivery timeout = %v", cfg.DeliveryTimeout())
	}
	if cfg.DBPath != filepath.Join(home, "taskmill.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	content := `
bind_addr: "0.0.0.0:9999"
log_level: debug
reorder_window_ms: 250
seen_ttl_minutes: 5
channels:
  telegram:
    enabled: true
    token: "123:abc"
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9999" || cfg.LogLevel != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ReorderWindow() != 250*time.Millisecond {
		t.Fatalf("reorder window = %v", cfg.ReorderWindow())
	}
	if cfg.SeenTTL() != 5*time.Minute {
		t.Fatalf("seen ttl = %v", cfg.SeenTTL())
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "123:abc" {
		t.Fatalf("telegram config = %+v", cfg.Channels.Telegram)
	}
	// Unset keys keep their defaults.
	if cfg.SweepCron != "* * * * *" {
		t.Fatalf("sweep cron = %q", cfg.SweepCron)
	}
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"negative reorder window", "reorder_window_ms: -1\n"},
		{"zero seen ttl", "seen_ttl_minutes: 0\n"},
		{"telegram without token", "channels:\n  telegram:\n    enabled: true\n"},
		{"bad yaml", "bind_addr: [\n"},
	}
	for _, tc := range cases {
		home := t.TempDir()
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(tc.content), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := Load(home); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}
