package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTmpConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write tmp config: %v", err)
	}
	return p
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
taskmesh:
  node:
    hostname: "test-host"
    tags:
      env: "test"
  control:
    socket: "/tmp/test.sock"
    pid_file: "/tmp/test.pid"
  profile:
    daemons: 4
    dispatcher: true
    url: "tcp://127.0.0.1:5555"
  log:
    level: "debug"
    format: "json"
  metrics:
    enabled: true
    listen: "0.0.0.0:9090"
    path: "/metrics"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.Hostname != "test-host" {
		t.Errorf("Node.Hostname = %q, want test-host", cfg.Node.Hostname)
	}
	if cfg.Node.Tags["env"] != "test" {
		t.Errorf("Node.Tags[env] = %q, want test", cfg.Node.Tags["env"])
	}
	if cfg.Control.Socket != "/tmp/test.sock" {
		t.Errorf("Control.Socket = %q", cfg.Control.Socket)
	}
	if cfg.Control.PIDFile != "/tmp/test.pid" {
		t.Errorf("Control.PIDFile = %q", cfg.Control.PIDFile)
	}
	if cfg.Profile.Daemons != 4 {
		t.Errorf("Profile.Daemons = %d, want 4", cfg.Profile.Daemons)
	}
	if !cfg.Profile.Dispatcher {
		t.Error("Profile.Dispatcher = false, want true")
	}
	if cfg.Profile.URL != "tcp://127.0.0.1:5555" {
		t.Errorf("Profile.URL = %q", cfg.Profile.URL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
taskmesh:
  log:
    level: "invalid"
    format: "json"
`))
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("error = %v, want 'invalid log level'", err)
	}
}

func TestLoadInvalidLogFormat(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
taskmesh:
  log:
    level: "info"
    format: "invalid"
`))
	if err == nil {
		t.Fatal("expected error for invalid log format")
	}
}

func TestAutoDetectHostname(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
taskmesh:
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.Hostname == "" {
		t.Error("expected auto-detected hostname, got empty")
	}
	expected, _ := os.Hostname()
	if cfg.Node.Hostname != expected {
		t.Errorf("Node.Hostname = %q, want %q", cfg.Node.Hostname, expected)
	}
}

func TestProfileDaemonsMustBePositive(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
taskmesh:
  profile:
    daemons: 0
  log:
    level: "info"
    format: "json"
`))
	if err == nil {
		t.Fatal("expected error for profile.daemons = 0")
	}
	if !strings.Contains(err.Error(), "profile.daemons") {
		t.Errorf("error = %v, want mention of profile.daemons", err)
	}
}

func TestTLSEnabledRequiresCertAndKey(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
taskmesh:
  transport:
    tls:
      enabled: true
  log:
    level: "info"
    format: "json"
`))
	if err == nil {
		t.Fatal("expected error: tls enabled without cert/key")
	}
	if !strings.Contains(err.Error(), "transport.tls") {
		t.Errorf("error = %v, want mention of transport.tls", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
taskmesh:
  node:
    hostname: "h1"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Control.PIDFile != "/var/run/taskmesh.pid" {
		t.Errorf("Control.PIDFile = %q, want /var/run/taskmesh.pid", cfg.Control.PIDFile)
	}
	if cfg.Control.Socket != "/var/run/taskmesh.sock" {
		t.Errorf("Control.Socket = %q, want /var/run/taskmesh.sock", cfg.Control.Socket)
	}
	if cfg.Profile.Daemons != 1 {
		t.Errorf("Profile.Daemons = %d, want 1", cfg.Profile.Daemons)
	}
	if cfg.Profile.Dispatcher {
		t.Error("Profile.Dispatcher = true, want false by default")
	}
	if !cfg.Profile.RetryOnReset {
		t.Error("Profile.RetryOnReset = false, want true by default")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if cfg.Metrics.Listen != ":9091" {
		t.Errorf("Metrics.Listen = %q, want :9091", cfg.Metrics.Listen)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TASKMESH_LOG_LEVEL", "debug")

	cfg, err := Load(writeTmpConfig(t, `
taskmesh:
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug (from env)", cfg.Log.Level)
	}
}
