package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/rhizome/pkg/coordinator"
	"github.com/NicolasHaas/rhizome/pkg/model"
	"github.com/NicolasHaas/rhizome/pkg/protocol"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateActive
	stateAwaitingAccept
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateAwaitingAccept:
		return "awaiting_accept"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// frame is one result of the connection reader.
type frame struct {
	msg protocol.Message
	err error
}

// session drives one control connection. Only the session goroutine touches
// its fields; the reader goroutine communicates through frames.
type session struct {
	id      string
	conn    net.Conn
	coord   *coordinator.Coordinator
	metrics *Metrics
	cfg     Config
	log     *slog.Logger

	state  sessionState
	user   model.User
	outbox *coordinator.Outbox
	frames chan frame
	quit   chan struct{}
}

func newSession(s *Server, conn net.Conn) *session {
	id := uuid.NewString()
	return &session{
		id:      id,
		conn:    conn,
		coord:   s.coord,
		metrics: s.metrics,
		cfg:     s.cfg,
		log:     slog.With("session", id, "remote", conn.RemoteAddr().String()),
		frames:  make(chan frame),
		quit:    make(chan struct{}),
	}
}

func (s *session) run(ctx context.Context) {
	s.state = stateConnecting
	if err := s.greet(); err != nil {
		s.metrics.FailedAuths.Add(1)
		s.log.Debug("greeting failed", "err", err)
		s.state = stateClosed
		return
	}

	s.state = stateAuthenticating
	if err := s.authenticate(); err != nil {
		s.metrics.FailedAuths.Add(1)
		s.log.Debug("authentication failed", "err", err)
		s.state = stateClosed
		return
	}

	s.log = s.log.With("user", s.user)
	s.outbox = coordinator.NewOutbox(s.cfg.OutboxSize)
	if err := s.coord.Subscribe(ctx, s.user, s.outbox); err != nil {
		s.log.Debug("subscribe failed", "err", err)
		s.outbox.Close()
		s.state = stateClosed
		return
	}
	s.state = stateActive
	s.metrics.SuccessfulAuths.Add(1)
	s.log.Info("client authenticated")

	defer s.close()

	go s.readLoop()
	s.loop(ctx)
}

func (s *session) greet() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	_, err := io.WriteString(s.conn, protocol.Greeting())
	return err
}

// authenticate reads the raw 32-byte identity within Timeout.
func (s *session) authenticate() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	var key model.Identity
	if _, err := io.ReadFull(s.conn, key[:]); err != nil {
		return err
	}
	s.user = model.NewUser(key)
	return nil
}

// close marks the outbox gone, declines every proposal still queued in it and
// unregisters the session.
func (s *session) close() {
	s.state = stateClosed
	close(s.quit)

	s.outbox.Close()
	for _, n := range s.outbox.Drain() {
		if p, ok := n.(coordinator.RoomProposal); ok {
			s.log.Debug("declining queued room proposal", "proposer", p.Proposal.Proposer)
			s.reject(p.Proposal)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	if err := s.coord.Disconnect(ctx, s.user, s.outbox); err != nil && !errors.Is(err, coordinator.ErrStopped) {
		s.log.Warn("disconnect not delivered", "err", err)
	}
	s.metrics.TotalDisconnects.Add(1)
	s.log.Info("client disconnected")
}

// readLoop reads frames until the connection fails. The wait for a frame
// header is bounded by IdleTimeout, the frame body by Timeout.
func (s *session) readLoop() {
	r := bufio.NewReader(s.conn)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		var f frame
		n, err := protocol.ReadFrameHeader(r)
		if err == nil {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
			f.msg, err = protocol.ReadFrameBody(r, n)
		}
		f.err = err

		select {
		case s.frames <- f:
		case <-s.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *session) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.frames:
			if f.err != nil {
				s.readFailed(f.err)
				return
			}
			if !s.handleFrame(ctx, f.msg) {
				return
			}
		case n := <-s.outbox.Affirmations():
			if !s.handleNotification(ctx, n) {
				return
			}
		case n := <-s.outbox.Proposals():
			if !s.handleNotification(ctx, n) {
				return
			}
		}
	}
}

// handleFrame processes a client frame in the Active state and reports whether to continue.
func (s *session) handleFrame(ctx context.Context, msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindHeartbeat:
		return true
	case protocol.KindShutdown:
		s.log.Debug("client shutdown")
		return false
	case protocol.KindRoom:
		target, err := msg.Peer()
		if err != nil {
			s.protocolError(err)
			return false
		}
		return s.requestRoom(ctx, target)
	default:
		s.protocolError(protocol.ErrUnexpectedMessage)
		s.log.Debug("unexpected frame", "frame", msg, "state", s.state)
		return false
	}
}

// requestRoom routes a room proposal to target and answers HasRoute or NoRoute.
func (s *session) requestRoom(ctx context.Context, target model.User) bool {
	s.metrics.RoomRequests.Add(1)
	if target == s.user {
		s.metrics.RoutesMissing.Add(1)
		return s.write(protocol.NoRoute(target))
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ob, err := s.coord.LookupRoute(rctx, target)
	if errors.Is(err, coordinator.ErrStopped) {
		s.log.Warn("coordinator stopped")
		return false
	}
	if err == nil && ob != nil {
		err = ob.Send(rctx, coordinator.RoomProposal{
			Proposal: coordinator.Proposal{Proposer: s.user, ProposerOutbox: s.outbox},
		})
		if err == nil {
			s.metrics.RoutesFound.Add(1)
			s.log.Debug("room proposal delivered", "target", target)
			return s.write(protocol.HasRoute(target))
		}
	}
	s.metrics.RoutesMissing.Add(1)
	s.log.Debug("no route", "target", target, "err", err)
	return s.write(protocol.NoRoute(target))
}

func (s *session) handleNotification(ctx context.Context, n coordinator.Notification) bool {
	switch n := n.(type) {
	case coordinator.RoomProposal:
		return s.awaitAccept(ctx, n.Proposal)
	case coordinator.RoomAffirmation:
		if n.RoomID != nil {
			s.log.Info("room affirmed", "room", n.RoomID.Fingerprint())
		} else {
			s.log.Debug("room request declined")
		}
		s.metrics.AffirmationsForwarded.Add(1)
		return s.write(protocol.AcceptedRoom(n.RoomID))
	default:
		s.log.Warn("unknown notification", "notification", n)
		return true
	}
}

// awaitAccept puts the proposal to the client and waits at most Timeout for its answer.
func (s *session) awaitAccept(ctx context.Context, p coordinator.Proposal) bool {
	if !s.write(protocol.WantsRoom(p.Proposer)) {
		s.reject(p)
		return false
	}
	s.state = stateAwaitingAccept
	defer func() {
		if s.state == stateAwaitingAccept {
			s.state = stateActive
		}
	}()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.reject(p)
		return false

	case <-timer.C:
		s.metrics.ProposalsExpired.Add(1)
		s.log.Debug("room proposal expired", "proposer", p.Proposer)
		s.reject(p)
		return true

	case f := <-s.frames:
		if f.err != nil {
			s.reject(p)
			s.readFailed(f.err)
			return false
		}
		switch {
		case f.msg.Kind == protocol.KindAccept && f.msg.Accept:
			return s.generateRoom(ctx, p)
		case f.msg.Kind == protocol.KindShutdown:
			s.reject(p)
			s.log.Debug("client shutdown while awaiting accept")
			return false
		default:
			// Accept(false) and any other frame count as a rejection.
			s.metrics.ProposalsRejected.Add(1)
			s.log.Debug("room proposal rejected", "proposer", p.Proposer, "frame", f.msg)
			s.reject(p)
			return true
		}
	}
}

func (s *session) generateRoom(ctx context.Context, p coordinator.Proposal) bool {
	s.metrics.ProposalsAccepted.Add(1)
	gctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	err := s.coord.GenerateRoom(gctx, coordinator.GenerateRoom{
		Proposer:        p.Proposer,
		ProposerOutbox:  p.ProposerOutbox,
		Recipient:       s.user,
		RecipientOutbox: s.outbox,
	})
	if err == nil {
		return true
	}
	s.reject(p)
	if errors.Is(err, coordinator.ErrStopped) {
		return false
	}
	s.log.Warn("room generation not submitted", "err", err)
	return s.write(protocol.AcceptedRoom(nil))
}

// reject tells the proposer, best-effort, that no room will be created.
func (s *session) reject(p coordinator.Proposal) {
	if p.ProposerOutbox == nil {
		return
	}
	if err := p.ProposerOutbox.TrySend(coordinator.RoomAffirmation{}); err != nil {
		s.log.Debug("rejection not delivered", "proposer", p.Proposer, "err", err)
	}
}

func (s *session) write(msg protocol.Message) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	if err := protocol.WriteFrame(s.conn, msg); err != nil {
		s.log.Debug("write failed", "frame", msg, "err", err)
		return false
	}
	return true
}

func (s *session) readFailed(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.log.Debug("connection closed by client")
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.metrics.IdleTimeouts.Add(1)
		s.log.Info("client timed out", "state", s.state)
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrFrameTooLarge):
		s.protocolError(err)
	default:
		s.log.Debug("read failed", "err", err)
	}
}

func (s *session) protocolError(err error) {
	s.metrics.ProtocolErrors.Add(1)
	s.log.Warn("protocol violation", "err", err, "state", s.state)
}
