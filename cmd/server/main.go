package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/NicolasHaas/rhizome/pkg/logging"
	"github.com/NicolasHaas/rhizome/pkg/server"
	"github.com/NicolasHaas/rhizome/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	flags := pflag.NewFlagSet("rhizome-server", pflag.ContinueOnError)
	configFile := flags.String("config", "", "YAML config file (flags override its values)")
	flags.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "TCP/TLS control channel bind address")
	flags.StringVar(&cfg.RendezvousAddr, "rendezvous", cfg.RendezvousAddr, "UDP rendezvous bind address")
	flags.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for /metrics, /stats and /healthz (empty to disable)")
	flags.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	flags.StringVar(&cfg.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	flags.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Authentication, room request, accept and rendezvous timeout")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Maximum silence between client frames")
	flags.StringVar(&cfg.JournalPath, "journal", "", "SQLite event journal path (empty to disable)")
	flags.BoolVar(&cfg.ExportJournal, "export-journal", false, "Export the event journal as YAML and exit")
	certGen := flags.Bool("cert-gen", false, "Write a new self-signed certificate to --cert/--key (or the data dir) and exit")

	logLevel := flags.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flags.String("log-format", "text", "Log format: text or json")
	showVersion := flags.Bool("version", false, "Print version and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	if *showVersion {
		fmt.Println("rhizome-server", version.Full())
		return
	}

	// Config file first, then re-apply the flags given on the command line.
	if *configFile != "" {
		if err := server.LoadConfigFile(*configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		_ = flags.Parse(os.Args[1:])
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:     *logLevel,
		Format:    *logFormat,
		Output:    os.Stdout,
		Component: "server",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *certGen {
		certPath, keyPath := cfg.CertPaths()
		if err := server.GenerateCertificate(certPath, keyPath); err != nil {
			slog.Error("generate certificate", "err", err)
			os.Exit(1)
		}
		return
	}

	// Handle export command (run and exit)
	if cfg.ExportJournal {
		data, err := server.ExportJournalYAML(context.Background(), cfg.JournalPath)
		if err != nil {
			slog.Error("export journal", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("server setup", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
