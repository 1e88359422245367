package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// acceptLoop accepts control connections and runs one session goroutine per connection.
func (s *Server) acceptLoop(ctx context.Context) error {
	slog.Info("control plane listening", "addr", s.controlLn.Addr().String())
	for {
		conn, err := s.controlLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.metrics.TotalConnections.Add(1)
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.handleControlConn(ctx, conn)
		}()
	}
}

// handleControlConn handles a single control connection lifecycle.
func (s *Server) handleControlConn(ctx context.Context, conn net.Conn) {
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)

	// Server shutdown unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	newSession(s, conn).run(ctx)
}
