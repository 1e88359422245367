// Package coordinator owns the user registry and the rendezvous table.
//
// All state lives in a single goroutine (Run) that processes one Request at a
// time from a bounded inbox. Sessions and the UDP front door talk to it only
// through requests; the coordinator answers through reply channels and
// session outboxes and never blocks on network I/O.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/NicolasHaas/rhizome/pkg/crypto"
	"github.com/NicolasHaas/rhizome/pkg/journal"
	"github.com/NicolasHaas/rhizome/pkg/model"
	"github.com/NicolasHaas/rhizome/pkg/rendezvous"
)

var ErrStopped = errors.New("coordinator: stopped")

const (
	DefaultInboxSize     = 256
	DefaultTimeout       = 10 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Options configures a Coordinator. Zero values select the defaults.
type Options struct {
	InboxSize     int
	Timeout       time.Duration // rendezvous entry lifetime
	SweepInterval time.Duration
	Clock         func() time.Time
	Rand          io.Reader // room id source, crypto/rand when nil
	Journal       journal.Recorder
}

// Coordinator is the single owner of the registry and rendezvous table.
type Coordinator struct {
	inbox chan Request
	done  chan struct{}

	users map[model.Identity]*Outbox
	rooms *rendezvous.Table

	now           func() time.Time
	rand          io.Reader
	journal       journal.Recorder
	sweepInterval time.Duration

	stats Snapshot
}

// New creates a coordinator. Call Run to start processing requests.
func New(opts Options) *Coordinator {
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}
	return &Coordinator{
		inbox:         make(chan Request, opts.InboxSize),
		done:          make(chan struct{}),
		users:         make(map[model.Identity]*Outbox),
		rooms:         rendezvous.NewTable(opts.Timeout),
		now:           opts.Clock,
		rand:          opts.Rand,
		journal:       opts.Journal,
		sweepInterval: opts.SweepInterval,
	}
}

// Run processes requests until ctx is cancelled. Requests submitted afterwards fail with ErrStopped.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	slog.Debug("coordinator started")
	for {
		select {
		case <-ctx.Done():
			slog.Debug("coordinator stopped", "users", len(c.users), "rooms", c.rooms.Len())
			return nil
		case req := <-c.inbox:
			c.handle(req)
		case <-ticker.C:
			c.sweep()
		}
	}
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Submit enqueues req, waiting for inbox space.
func (c *Coordinator) Submit(ctx context.Context, req Request) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- req:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers ob as the outbox of u.
func (c *Coordinator) Subscribe(ctx context.Context, u model.User, ob *Outbox) error {
	return c.Submit(ctx, SubscribeUser{User: u, Outbox: ob})
}

// Disconnect unregisters u if ob is still its outbox.
func (c *Coordinator) Disconnect(ctx context.Context, u model.User, ob *Outbox) error {
	return c.Submit(ctx, Disconnect{User: u, Outbox: ob})
}

// LookupRoute returns the outbox of receiver, or nil when receiver is not connected.
func (c *Coordinator) LookupRoute(ctx context.Context, receiver model.User) (*Outbox, error) {
	reply := make(chan *Outbox, 1)
	if err := c.Submit(ctx, RoomRequest{Receiver: receiver, Reply: reply}); err != nil {
		return nil, err
	}
	return await(ctx, c.done, reply)
}

// GenerateRoom asks the coordinator to mint a room. The outcome reaches both
// sessions as a RoomAffirmation.
func (c *Coordinator) GenerateRoom(ctx context.Context, req GenerateRoom) error {
	return c.Submit(ctx, req)
}

// Rendezvous matches one datagram against the rendezvous table. The returned
// error is ErrStopped or a context error; matcher rejections are reported in
// RendezvousResult.Err.
func (c *Coordinator) Rendezvous(ctx context.Context, id model.RoomID, from netip.AddrPort) (RendezvousResult, error) {
	reply := make(chan RendezvousResult, 1)
	if err := c.Submit(ctx, Rendezvous{RoomID: id, From: from, Reply: reply}); err != nil {
		return RendezvousResult{}, err
	}
	return await(ctx, c.done, reply)
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := c.Submit(ctx, Stats{Reply: reply}); err != nil {
		return Snapshot{}, err
	}
	return await(ctx, c.done, reply)
}

func await[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		// Run may have answered just before exiting.
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Coordinator) handle(req Request) {
	switch r := req.(type) {
	case SubscribeUser:
		c.subscribe(r)
	case Disconnect:
		c.disconnect(r)
	case RoomRequest:
		c.roomRequest(r)
	case GenerateRoom:
		c.generateRoom(r)
	case Rendezvous:
		c.rendezvous(r)
	case Stats:
		c.snapshot(r)
	default:
		slog.Warn("coordinator: unknown request", "type", fmt.Sprintf("%T", req))
	}
}

func (c *Coordinator) subscribe(r SubscribeUser) {
	if prev, ok := c.users[r.User.Key]; ok && prev != r.Outbox {
		slog.Debug("user subscription replaced", "user", r.User)
	}
	c.users[r.User.Key] = r.Outbox
	c.stats.Subscribes++
}

func (c *Coordinator) disconnect(r Disconnect) {
	cur, ok := c.users[r.User.Key]
	if !ok || cur != r.Outbox {
		c.stats.StaleDisconnects++
		return
	}
	delete(c.users, r.User.Key)
	c.stats.Disconnects++
}

func (c *Coordinator) roomRequest(r RoomRequest) {
	ob := c.users[r.Receiver.Key]
	if ob == nil {
		c.stats.RouteMisses++
	} else {
		c.stats.RouteHits++
	}
	r.Reply <- ob
}

func (c *Coordinator) generateRoom(r GenerateRoom) {
	id, err := c.newRoomID()
	if err != nil {
		slog.Error("room id generation failed", "err", err)
		c.affirm(r.ProposerOutbox, nil)
		c.affirm(r.RecipientOutbox, nil)
		c.stats.RoomsDropped++
		return
	}

	delivered := 0
	if c.affirm(r.ProposerOutbox, &id) {
		delivered++
	}
	if c.affirm(r.RecipientOutbox, &id) {
		delivered++
	}

	room := id.Fingerprint()
	if delivered == 0 {
		c.stats.RoomsDropped++
		slog.Info("room dropped, no session reachable", "room", room, "proposer", r.Proposer, "recipient", r.Recipient)
		c.record(journal.RoomDropped, room, "no session reachable")
		return
	}
	c.rooms.Open(id, c.now())
	c.stats.RoomsOpened++
	slog.Info("room opened", "room", room, "proposer", r.Proposer, "recipient", r.Recipient, "delivered", delivered)
	c.record(journal.RoomOpened, room, "")
}

// affirm delivers a copy of id to ob without blocking and reports success.
func (c *Coordinator) affirm(ob *Outbox, id *model.RoomID) bool {
	if ob == nil {
		return false
	}
	var aff RoomAffirmation
	if id != nil {
		own := *id
		aff.RoomID = &own
	}
	if err := ob.TrySend(aff); err != nil {
		c.stats.AffirmationsFailed++
		slog.Debug("room affirmation not delivered", "err", err)
		return false
	}
	c.stats.AffirmationsDelivered++
	return true
}

// newRoomID draws ids until one is not a live table key.
func (c *Coordinator) newRoomID() (model.RoomID, error) {
	for {
		id, err := crypto.GenerateRoomID(c.rand)
		if err != nil {
			return model.RoomID{}, err
		}
		if !c.rooms.Contains(id) {
			return id, nil
		}
		slog.Warn("room id collision, redrawing", "room", id.Fingerprint())
	}
}

func (c *Coordinator) rendezvous(r Rendezvous) {
	act, err := c.rooms.Match(r.RoomID, r.From, c.now())
	room := r.RoomID.Fingerprint()

	switch {
	case err == nil && act.Outcome == rendezvous.OutcomeWaiting:
		c.stats.Waits++
		c.record(journal.RendezvousWaiting, room, r.From.String())
	case err == nil:
		c.stats.Matches++
		c.record(journal.RendezvousMatched, room, "")
	default:
		switch {
		case errors.Is(err, rendezvous.ErrRoomClosed):
			c.stats.RejectedClosed++
		case errors.Is(err, rendezvous.ErrIdleTooLong):
			c.stats.RejectedIdle++
		case errors.Is(err, rendezvous.ErrPeerWaitedTooLong):
			c.stats.RejectedWaited++
		case errors.Is(err, rendezvous.ErrFamilyMismatch):
			c.stats.RejectedFamily++
		}
		// Unknown ids are the common case for scanners; keep them out of the journal.
		if !errors.Is(err, rendezvous.ErrRoomClosed) {
			c.record(journal.RendezvousRejected, room, err.Error())
		}
	}
	r.Reply <- RendezvousResult{Action: act, Err: err}
}

func (c *Coordinator) sweep() {
	expired := c.rooms.Sweep(c.now())
	for _, id := range expired {
		c.record(journal.RoomDropped, id.Fingerprint(), "expired")
	}
	if len(expired) > 0 {
		c.stats.RoomsExpired += int64(len(expired))
		slog.Debug("expired rooms swept", "count", len(expired), "live", c.rooms.Len())
	}
}

func (c *Coordinator) snapshot(r Stats) {
	s := c.stats
	s.Users = len(c.users)
	s.Rooms = c.rooms.Len()
	r.Reply <- s
}

func (c *Coordinator) record(kind journal.Kind, room, detail string) {
	c.journal.Record(journal.Event{Time: c.now(), Kind: kind, Room: room, Detail: detail})
}
