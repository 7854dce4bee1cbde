package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coffersTech/hilogd/internal/flowctrl"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hilogd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if want := Default(); cfg.SocketDir != want.SocketDir || cfg.FlushInterval != want.FlushInterval {
		t.Errorf("Load(\"\") = %+v, want defaults", cfg)
	}
	if cfg.DomainQuotaFile != flowctrl.DefaultDomainQuotaFile || cfg.ProcQuotaFile != flowctrl.DefaultProcQuotaFile {
		t.Errorf("quota files = %q, %q", cfg.DomainQuotaFile, cfg.ProcQuotaFile)
	}
	if !cfg.SkipMode || cfg.KmsgSkipMode {
		t.Errorf("skip modes main=%v kmsg=%v, want true/false", cfg.SkipMode, cfg.KmsgSkipMode)
	}
	if got := cfg.ControlPath(); got != "/dev/unix/socket/hilogControl" {
		t.Errorf("ControlPath() = %q", got)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, `
socket_dir: /run/hilog
persist_dir: /var/log/hilog
flush_interval: 2s
log:
  level: debug
`)
	t.Setenv("HILOGD_PERSIST_DIR", "/tmp/hilog")
	t.Setenv("HILOGD_LOG__CONSOLE", "true")
	t.Setenv("HILOGD_KMSG_SKIP_MODE", "true")

	cfg, err := FromArgs("hilogd", []string{"--config", path, "--log-level", "warn"})
	if err != nil {
		t.Fatalf("FromArgs() error = %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file value", cfg.SocketDir, "/run/hilog"},
		{"env beats file", cfg.PersistDir, "/tmp/hilog"},
		{"file duration", cfg.FlushInterval, 2 * time.Second},
		{"flag beats file", cfg.Log.Level, "warn"},
		{"nested env", cfg.Log.Console, true},
		{"kmsg skip mode env", cfg.KmsgSkipMode, true},
		{"untouched default", cfg.KmsgPath, "/dev/kmsg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PersistDir != Default().PersistDir {
		t.Errorf("PersistDir = %q", cfg.PersistDir)
	}
}

func TestLoadBadYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "socket_dir: [unterminated")); err == nil {
		t.Error("Load() accepted malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "Level"},
		{"empty socket dir", func(c *Config) { c.SocketDir = "" }, "SocketDir"},
		{"zero flush", func(c *Config) { c.FlushInterval = 0 }, "FlushInterval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Validate() = %v, want failure on %s", err, tt.field)
			}
		})
	}
}

func TestInputSocketOverride(t *testing.T) {
	cfg := Default()
	cfg.InputSocket = "/tmp/in.sock"
	if got := cfg.InputPath(); got != "/tmp/in.sock" {
		t.Errorf("InputPath() = %q", got)
	}
	if got := cfg.OutputPath(); got != "/dev/unix/socket/hilogOutput" {
		t.Errorf("OutputPath() = %q", got)
	}
}
