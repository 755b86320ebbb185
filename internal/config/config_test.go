package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "panelctl.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.RCON.HealthFailureThreshold != 3 {
		t.Fatalf("health failure threshold = %d, want 3", cfg.RCON.HealthFailureThreshold)
	}
	if cfg.Bridge.StaleAfter != 45*time.Second {
		t.Fatalf("stale after = %s, want 45s", cfg.Bridge.StaleAfter)
	}
	if len(cfg.Restart.ReconnectSchedule) != 5 {
		t.Fatalf("reconnect schedule has %d entries, want 5", len(cfg.Restart.ReconnectSchedule))
	}
}

func TestLoad_DefaultsPreserved(t *testing.T) {
	path := writeConfig(t, `
active: main
servers:
  main:
    host: 127.0.0.1
    rcon_port: 27015
    rcon_password: hunter2
    bridge_path: /srv/zomboid
bridge:
  stale_after: 90s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bridge.StaleAfter != 90*time.Second {
		t.Fatalf("stale after = %s, want 90s", cfg.Bridge.StaleAfter)
	}
	// Unset keys keep their defaults.
	if cfg.Bridge.CommandTimeout != 10*time.Second {
		t.Fatalf("command timeout = %s, want default 10s", cfg.Bridge.CommandTimeout)
	}
	if cfg.RCON.ReconnectMaxAttempts != 30 {
		t.Fatalf("reconnect max attempts = %d, want default 30", cfg.RCON.ReconnectMaxAttempts)
	}
}

func TestActiveServer(t *testing.T) {
	path := writeConfig(t, `
active: main
servers:
  main:
    host: 10.0.0.5
    rcon_port: 27015
    rcon_password: pw
    bridge_path: /srv/zomboid
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	p, err := cfg.ActiveServer()
	if err != nil {
		t.Fatalf("ActiveServer() error = %v", err)
	}
	if p.Addr() != "10.0.0.5:27015" {
		t.Fatalf("Addr() = %q", p.Addr())
	}
	if p.Name != "main" {
		t.Fatalf("Name defaulted to %q, want profile key", p.Name)
	}
}

func TestActiveServer_Missing(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := cfg.ActiveServer(); err == nil {
		t.Fatal("expected error when no active server set")
	}
	cfg.Active = "ghost"
	if _, err := cfg.ActiveServer(); err == nil {
		t.Fatal("expected error for unknown active server")
	}
}

func TestValidate_BadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers["bad"] = ServerProfile{Host: "h", RCONPort: 0, BridgePath: "/x"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid rcon port")
	}
}

func TestValidate_MissingBridgePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers["bad"] = ServerProfile{Host: "h", RCONPort: 27015}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing bridge_path")
	}
}
