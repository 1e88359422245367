package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/NicolasHaas/rhizome/pkg/coordinator"
)

const statsTimeout = 2 * time.Second

// newMetricsRouter exposes /metrics in Prometheus text exposition format,
// /stats as JSON and /healthz for liveness probes.
func (s *Server) newMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/metrics", s.handleMetrics)
	r.Get("/stats", s.handleStats)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// serveMetricsHTTP serves the admin router on the pre-bound listener until ctx is cancelled.
func (s *Server) serveMetricsHTTP(ctx context.Context) error {
	if s.metricsLn == nil {
		return nil // metrics endpoint disabled
	}
	srv := &http.Server{
		Handler:           s.newMetricsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), statsTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics HTTP listening", "addr", s.metricsLn.Addr().String())
	if err := srv.Serve(s.metricsLn); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: metrics http: %w", err)
	}
	return nil
}

func (s *Server) coordinatorStats(ctx context.Context) (coordinator.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	return s.coord.Stats(ctx)
}

// handleStats writes the front-door and coordinator snapshots as JSON.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	cs, err := s.coordinatorStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	body := struct {
		Server      MetricsSnapshot      `json:"server"`
		Coordinator coordinator.Snapshot `json:"coordinator"`
	}{
		Server:      s.metrics.Snapshot(),
		Coordinator: cs,
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(body)
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()
	cs, csErr := s.coordinatorStats(r.Context())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}
	labelled := func(name, help, mtype, label string, values map[string]int64, order []string) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		for _, k := range order {
			_, _ = fmt.Fprintf(w, "%s{%s=%q} %d\n", name, label, k, values[k])
		}
	}

	writeFloat("rhizome_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("rhizome_connections_active", "Current active control connections.", "gauge",
		m.ActiveConnections.Load())
	write("rhizome_connections_total", "Lifetime TLS control connections accepted.", "counter",
		m.TotalConnections.Load())
	write("rhizome_disconnects_total", "Authenticated sessions that ended.", "counter",
		m.TotalDisconnects.Load())
	write("rhizome_auth_success_total", "Identities received and subscribed.", "counter",
		m.SuccessfulAuths.Load())
	write("rhizome_auth_failed_total", "Failed greeting or identity exchanges.", "counter",
		m.FailedAuths.Load())
	write("rhizome_protocol_errors_total", "Sessions dropped for protocol violations.", "counter",
		m.ProtocolErrors.Load())
	write("rhizome_idle_timeouts_total", "Sessions dropped for silence.", "counter",
		m.IdleTimeouts.Load())

	write("rhizome_room_requests_total", "Room requests received.", "counter",
		m.RoomRequests.Load())
	labelled("rhizome_routes_total", "Room request routing outcomes.", "counter", "result",
		map[string]int64{"found": m.RoutesFound.Load(), "missing": m.RoutesMissing.Load()},
		[]string{"found", "missing"})
	labelled("rhizome_proposals_total", "Room proposal answers.", "counter", "result",
		map[string]int64{
			"accepted": m.ProposalsAccepted.Load(),
			"rejected": m.ProposalsRejected.Load(),
			"expired":  m.ProposalsExpired.Load(),
		},
		[]string{"accepted", "rejected", "expired"})
	write("rhizome_affirmations_forwarded_total", "AcceptedRoom frames written to clients.", "counter",
		m.AffirmationsForwarded.Load())

	write("rhizome_datagrams_in_total", "Rendezvous datagrams received.", "counter",
		m.DatagramsIn.Load())
	write("rhizome_datagrams_malformed_total", "Rendezvous datagrams that were not a room id.", "counter",
		m.DatagramsMalformed.Load())
	write("rhizome_datagrams_rejected_total", "Room ids rejected by the matcher.", "counter",
		m.DatagramsRejected.Load())
	write("rhizome_datagrams_sent_total", "Address and probe datagrams sent.", "counter",
		m.DatagramsSent.Load())

	if csErr != nil {
		slog.Warn("metrics: coordinator stats unavailable", "err", csErr)
		return
	}
	write("rhizome_users_registered", "Users with a live control session.", "gauge", int64(cs.Users))
	write("rhizome_rooms_live", "Rooms in the rendezvous table.", "gauge", int64(cs.Rooms))
	write("rhizome_rooms_opened_total", "Rooms minted and affirmed.", "counter", cs.RoomsOpened)
	write("rhizome_rooms_dropped_total", "Rooms minted but reachable by nobody.", "counter", cs.RoomsDropped)
	write("rhizome_rooms_expired_total", "Rooms swept after timing out.", "counter", cs.RoomsExpired)
	write("rhizome_rendezvous_waits_total", "First datagrams of a room.", "counter", cs.Waits)
	write("rhizome_rendezvous_matches_total", "Completed address exchanges.", "counter", cs.Matches)
	labelled("rhizome_rendezvous_rejected_total", "Rendezvous rejections by reason.", "counter", "reason",
		map[string]int64{
			"room_closed":     cs.RejectedClosed,
			"idle_too_long":   cs.RejectedIdle,
			"waited_too_long": cs.RejectedWaited,
			"family_mismatch": cs.RejectedFamily,
		},
		[]string{"room_closed", "idle_too_long", "waited_too_long", "family_mismatch"})
}
