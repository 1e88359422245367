package server

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"
)

// Run binds the configured addresses and serves until SIGINT or SIGTERM.
func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, ctx.Done())

	err := s.Serve(ctx)
	slog.Info("shut down", "err", err)
	return err
}
