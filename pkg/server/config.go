package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/rhizome/pkg/journal"
)

// Config holds server configuration. Durations in YAML files are written as
// Go duration strings ("10s", "1m30s").
type Config struct {
	ControlAddr    string `yaml:"control_addr"`           // TCP/TLS bind address (e.g. ":9999")
	RendezvousAddr string `yaml:"rendezvous_addr"`        // UDP bind address (e.g. ":9998")
	MetricsAddr    string `yaml:"metrics_addr"`           // HTTP bind address for /metrics (empty = disabled)
	CertFile       string `yaml:"cert_file,omitempty"`    // TLS certificate file path
	KeyFile        string `yaml:"key_file,omitempty"`     // TLS private key file path
	DataDir        string `yaml:"data_dir"`               // directory for generated certs
	JournalPath    string `yaml:"journal_path,omitempty"` // SQLite event journal (empty = disabled)

	Timeout       time.Duration `yaml:"timeout"`        // authentication, requests, accept, rendezvous entries
	IdleTimeout   time.Duration `yaml:"idle_timeout"`   // max silence between client frames
	SweepInterval time.Duration `yaml:"sweep_interval"` // how often expired rooms are dropped
	OutboxSize    int           `yaml:"outbox_size"`    // per-session notification buffer
	InboxSize     int           `yaml:"inbox_size"`     // coordinator request buffer

	// CLI-only actions (run and exit)
	ExportJournal bool `yaml:"-"` // export the event journal as YAML and exit
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr:    ":9999",
		RendezvousAddr: ":9998",
		MetricsAddr:    ":9997",
		DataDir:        ".",
		Timeout:        10 * time.Second,
		IdleTimeout:    30 * time.Second,
		SweepInterval:  30 * time.Second,
		OutboxSize:     100,
		InboxSize:      256,
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys missing from
// the file keep their current value.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// YAML renders the effective configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(&c)
}

// Validate checks that the configuration can be served.
func (c Config) Validate() error {
	var errs []error
	if c.ControlAddr == "" {
		errs = append(errs, errors.New("control address is empty"))
	}
	if c.RendezvousAddr == "" {
		errs = append(errs, errors.New("rendezvous address is empty"))
	}
	if c.ControlAddr != "" && c.ControlAddr == c.RendezvousAddr && !isEphemeral(c.ControlAddr) {
		errs = append(errs, fmt.Errorf("control and rendezvous both bind %q", c.ControlAddr))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("outbox size must be positive, got %d", c.OutboxSize))
	}
	if c.InboxSize <= 0 {
		errs = append(errs, fmt.Errorf("inbox size must be positive, got %d", c.InboxSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("server: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func isEphemeral(addr string) bool {
	return len(addr) >= 2 && addr[len(addr)-2:] == ":0"
}

// ExportJournalYAML reads every event from the journal at path and renders it as YAML.
func ExportJournalYAML(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("server: no journal configured")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("server: journal: %w", err)
	}
	st, err := journal.Open(path, 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	events, err := st.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	return journal.ExportYAML(events)
}
