package server

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks front-door runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
// Registry and rendezvous table counters are owned by the coordinator and
// read through coordinator.Stats instead.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TLS control connections accepted
	ActiveConnections atomic.Int64 // current active control connections
	FailedAuths       atomic.Int64 // greeting or identity exchange failed
	SuccessfulAuths   atomic.Int64 // identities received and subscribed
	TotalDisconnects  atomic.Int64 // authenticated sessions that ended
	ProtocolErrors    atomic.Int64 // sessions dropped for malformed or unexpected frames
	IdleTimeouts      atomic.Int64 // sessions dropped for silence

	// Room negotiation counters
	RoomRequests          atomic.Int64 // Room frames received
	RoutesFound           atomic.Int64 // proposals delivered to the target session
	RoutesMissing         atomic.Int64 // NoRoute answers
	ProposalsAccepted     atomic.Int64 // Accept(true) answers
	ProposalsRejected     atomic.Int64 // Accept(false) or any other frame
	ProposalsExpired      atomic.Int64 // no answer within the timeout
	AffirmationsForwarded atomic.Int64 // AcceptedRoom frames written

	// Rendezvous datagram counters
	DatagramsIn        atomic.Int64 // UDP datagrams received
	DatagramsMalformed atomic.Int64 // datagrams that were not a room id
	DatagramsRejected  atomic.Int64 // room ids rejected by the matcher
	DatagramsSent      atomic.Int64 // address and probe datagrams sent
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	ProtocolErrors    int64 `json:"protocol_errors"`
	IdleTimeouts      int64 `json:"idle_timeouts"`

	RoomRequests          int64 `json:"room_requests"`
	RoutesFound           int64 `json:"routes_found"`
	RoutesMissing         int64 `json:"routes_missing"`
	ProposalsAccepted     int64 `json:"proposals_accepted"`
	ProposalsRejected     int64 `json:"proposals_rejected"`
	ProposalsExpired      int64 `json:"proposals_expired"`
	AffirmationsForwarded int64 `json:"affirmations_forwarded"`

	DatagramsIn        int64 `json:"datagrams_in"`
	DatagramsMalformed int64 `json:"datagrams_malformed"`
	DatagramsRejected  int64 `json:"datagrams_rejected"`
	DatagramsSent      int64 `json:"datagrams_sent"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:                uptime.Truncate(time.Second).String(),
		UptimeSeconds:         int64(uptime.Seconds()),
		ActiveConnections:     m.ActiveConnections.Load(),
		TotalConnections:      m.TotalConnections.Load(),
		SuccessfulAuths:       m.SuccessfulAuths.Load(),
		FailedAuths:           m.FailedAuths.Load(),
		TotalDisconnects:      m.TotalDisconnects.Load(),
		ProtocolErrors:        m.ProtocolErrors.Load(),
		IdleTimeouts:          m.IdleTimeouts.Load(),
		RoomRequests:          m.RoomRequests.Load(),
		RoutesFound:           m.RoutesFound.Load(),
		RoutesMissing:         m.RoutesMissing.Load(),
		ProposalsAccepted:     m.ProposalsAccepted.Load(),
		ProposalsRejected:     m.ProposalsRejected.Load(),
		ProposalsExpired:      m.ProposalsExpired.Load(),
		AffirmationsForwarded: m.AffirmationsForwarded.Load(),
		DatagramsIn:           m.DatagramsIn.Load(),
		DatagramsMalformed:    m.DatagramsMalformed.Load(),
		DatagramsRejected:     m.DatagramsRejected.Load(),
		DatagramsSent:         m.DatagramsSent.Load(),
	}
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"room_requests", s.RoomRequests,
		"proposals_accepted", s.ProposalsAccepted,
		"datagrams_in", s.DatagramsIn,
		"datagrams_sent", s.DatagramsSent,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
