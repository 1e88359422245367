package server

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfigFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rhizome.yaml")
	data := "control_addr: \":7000\"\ntimeout: 3s\nidle_timeout: 1m\noutbox_size: 8\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	want := DefaultConfig()
	want.ControlAddr = ":7000"
	want.Timeout = 3 * time.Second
	want.IdleTimeout = time.Minute
	want.OutboxSize = 8
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	cfg := DefaultConfig()
	if err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg); err == nil {
		t.Fatalf("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("timeout: soon\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := LoadConfigFile(path, &cfg); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JournalPath = "events.db"
	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	if !strings.Contains(string(out), "timeout: 10s") {
		t.Fatalf("durations should render as strings:\n%s", out)
	}

	path := filepath.Join(t.TempDir(), "rhizome.yaml")
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var got Config
	if err := LoadConfigFile(path, &got); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"ephemeral ports", func(c *Config) { c.ControlAddr, c.RendezvousAddr = "127.0.0.1:0", "127.0.0.1:0" }, ""},
		{"empty control", func(c *Config) { c.ControlAddr = "" }, "control address is empty"},
		{"same address", func(c *Config) { c.RendezvousAddr = c.ControlAddr }, "both bind"},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout must be positive"},
		{"negative idle", func(c *Config) { c.IdleTimeout = -time.Second }, "idle timeout must be positive"},
		{"zero outbox", func(c *Config) { c.OutboxSize = 0 }, "outbox size must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExportJournalYAMLRequiresExistingJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.db")
	if _, err := ExportJournalYAML(context.Background(), path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("ExportJournalYAML(missing) = %v, want fs.ErrNotExist", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("export created %s", path)
	}
	if _, err := ExportJournalYAML(context.Background(), ""); err == nil {
		t.Fatal("ExportJournalYAML(\"\") succeeded")
	}
}
