// Package server implements the rhizome front door: the TLS control channel,
// the UDP rendezvous socket and the admin HTTP endpoint, all feeding one
// coordinator.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/rhizome/pkg/coordinator"
	"github.com/NicolasHaas/rhizome/pkg/journal"
)

// Server is the rhizome rendezvous server.
type Server struct {
	cfg     Config
	coord   *coordinator.Coordinator
	metrics *Metrics
	journal *journal.Store // nil when disabled

	controlLn net.Listener
	udpConn   *net.UDPConn
	metricsLn net.Listener

	sessions sync.WaitGroup
}

// New creates a new Server instance. The journal, if configured, is opened here.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		metrics: NewMetrics(),
	}

	var rec journal.Recorder = journal.Nop{}
	if cfg.JournalPath != "" {
		st, err := journal.Open(cfg.JournalPath, 0)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		s.journal = st
		rec = st
	}

	s.coord = coordinator.New(coordinator.Options{
		InboxSize:     cfg.InboxSize,
		Timeout:       cfg.Timeout,
		SweepInterval: cfg.SweepInterval,
		Journal:       rec,
	})
	return s, nil
}

// Coordinator returns the server's coordinator.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ControlAddr returns the bound control address, or nil before Listen.
func (s *Server) ControlAddr() net.Addr {
	if s.controlLn == nil {
		return nil
	}
	return s.controlLn.Addr()
}

// RendezvousAddr returns the bound UDP address, or nil before Listen.
func (s *Server) RendezvousAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// MetricsAddr returns the bound admin HTTP address, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

// Listen binds all sockets. Binding ahead of Serve lets callers use port 0
// and read the chosen addresses back.
func (s *Server) Listen() error {
	cert, err := loadCertificate(s.cfg)
	if err != nil {
		return fmt.Errorf("server: tls: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := tls.Listen("tcp", s.cfg.ControlAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.RendezvousAddr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("server: resolve rendezvous: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("server: listen rendezvous: %w", err)
	}

	var mln net.Listener
	if s.cfg.MetricsAddr != "" {
		mln, err = net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			_ = ln.Close()
			_ = udp.Close()
			return fmt.Errorf("server: listen metrics: %w", err)
		}
	}

	s.controlLn = ln
	s.udpConn = udp
	s.metricsLn = mln
	return nil
}

// Serve runs the coordinator and every front-door loop until ctx is cancelled
// or one of them fails. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.controlLn == nil || s.udpConn == nil {
		return errors.New("server: Serve called before Listen")
	}

	// The journal outlives the group so events recorded during shutdown are flushed.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	journalDone := make(chan error, 1)
	if s.journal != nil {
		go func() { journalDone <- s.journal.Run(journalCtx) }()
	} else {
		journalDone <- nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.coord.Run(gctx)
	})
	g.Go(func() error {
		return s.acceptLoop(gctx)
	})
	g.Go(func() error {
		return s.rendezvousLoop(gctx)
	})
	g.Go(func() error {
		return s.serveMetricsHTTP(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = s.controlLn.Close()
		_ = s.udpConn.Close()
		return nil
	})

	slog.Info("rhizome server running",
		"control", s.controlLn.Addr().String(),
		"rendezvous", s.udpConn.LocalAddr().String(),
		"metrics", s.cfg.MetricsAddr,
	)

	err := g.Wait()
	s.sessions.Wait()

	stopJournal()
	if jerr := <-journalDone; jerr != nil {
		slog.Error("journal flush failed", "err", jerr)
	}
	if s.journal != nil {
		if cerr := s.journal.Close(); cerr != nil {
			slog.Error("journal close failed", "err", cerr)
		}
	}
	return err
}
