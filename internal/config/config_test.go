package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ktime.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Type != "bolt" {
		t.Errorf("expected bolt storage, got %s", cfg.Storage.Type)
	}
	if cfg.Server.BindAddress != "127.0.0.1" {
		t.Errorf("expected loopback bind address, got %s", cfg.Server.BindAddress)
	}
	if got := ParseDuration(cfg.Engine.IntervalShort, 0); got != 100*time.Millisecond {
		t.Errorf("expected 100ms short interval, got %v", got)
	}
	if got := ParseDuration(cfg.Engine.CommitThreshold, 0); got != 30*time.Second {
		t.Errorf("expected 30s commit threshold, got %v", got)
	}
	if cfg.Policy.UnassignedSystemApps != "category" {
		t.Errorf("expected category for unassigned system apps, got %s", cfg.Policy.UnassignedSystemApps)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: sqlite
  path: /tmp/ktime.db
engine:
  interval_long: 2s
policy:
  ignored_apps:
    - com.android.dialer
  unassigned_system_apps: whitelist
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.Path != "/tmp/ktime.db" {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
	if got := ParseDuration(cfg.Engine.IntervalLong, 0); got != 2*time.Second {
		t.Errorf("expected 2s long interval, got %v", got)
	}
	if len(cfg.Policy.IgnoredApps) != 1 || cfg.Policy.IgnoredApps[0] != "com.android.dialer" {
		t.Errorf("unexpected ignored apps %v", cfg.Policy.IgnoredApps)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("KTIME_STORAGE_TYPE", "redis")
	t.Setenv("KTIME_STORAGE_REDIS_HOST", "redis.local")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Type != "redis" || cfg.Storage.Redis.Host != "redis.local" {
		t.Errorf("environment not applied: %+v", cfg.Storage)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown storage", content: "storage:\n  type: etcd\n"},
		{name: "bad duration", content: "engine:\n  interval_short: soon\n"},
		{name: "bad log format", content: "logging:\n  format: xml\n"},
		{name: "bad system app mode", content: "policy:\n  unassigned_system_apps: ask\n"},
		{name: "bad port", content: "server:\n  admin_port: 70000\n"},
		{name: "status page interval below 1ms", content: "engine:\n  status_page_interval: 500us\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("", time.Second); got != time.Second {
		t.Errorf("empty: got %v", got)
	}
	if got := ParseDuration("nope", time.Second); got != time.Second {
		t.Errorf("invalid: got %v", got)
	}
	if got := ParseDuration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("valid: got %v", got)
	}
}

func TestUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: redis
  redis:
    password: secret
    pasword: typo
engine:
  slow_loop: true
dns:
  port: 53
`)

	unknown, err := UnknownKeys(path)
	if err != nil {
		t.Fatalf("UnknownKeys() error = %v", err)
	}

	want := map[string]bool{"storage.redis.pasword": true, "dns.port": true}
	if len(unknown) != len(want) {
		t.Fatalf("expected %d unknown keys, got %v", len(want), unknown)
	}
	for _, key := range unknown {
		if !want[key] {
			t.Errorf("unexpected unknown key %s", key)
		}
	}
}

func TestDefaults(t *testing.T) {
	def := Defaults()
	if def.Server.MetricsPort != 9090 || def.Server.AdminPort != 8085 {
		t.Errorf("unexpected default ports %+v", def.Server)
	}
	if def.Rules.Path != "/etc/ktime/rules.toml" {
		t.Errorf("unexpected default rules path %s", def.Rules.Path)
	}
}
