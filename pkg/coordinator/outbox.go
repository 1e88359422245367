package coordinator

import (
	"context"
	"errors"
	"sync"

	"github.com/NicolasHaas/rhizome/pkg/model"
)

var (
	ErrPeerGone   = errors.New("coordinator: peer gone")
	ErrOutboxFull = errors.New("coordinator: outbox full")
)

// Notification is delivered to a session through its Outbox.
type Notification interface {
	notification()
}

// Proposal identifies who asked for a room and how to answer them.
type Proposal struct {
	Proposer       model.User
	ProposerOutbox *Outbox
}

// RoomProposal asks the receiving session to put a room request to its client.
type RoomProposal struct {
	Proposal Proposal
}

// RoomAffirmation tells a session the outcome of a room request.
// A nil RoomID means the room was rejected or could not be created.
type RoomAffirmation struct {
	RoomID *model.RoomID
}

func (RoomProposal) notification()    {}
func (RoomAffirmation) notification() {}

// Outbox is the delivery handle of exactly one live session. Any goroutine may
// send; only the owning session receives. Close marks the owner as gone so that
// later sends fail fast with ErrPeerGone.
//
// Proposals and affirmations are queued separately, so a flood of proposals
// never costs a session one of its own room ids.
type Outbox struct {
	proposals    chan Notification
	affirmations chan Notification
	done         chan struct{}
	once         sync.Once

	// held for reading by every send, taken by Close as a barrier
	mu sync.RWMutex
}

// NewOutbox creates an outbox buffering up to size notifications of each kind.
func NewOutbox(size int) *Outbox {
	if size < 1 {
		size = 1
	}
	return &Outbox{
		proposals:    make(chan Notification, size),
		affirmations: make(chan Notification, size),
		done:         make(chan struct{}),
	}
}

// Proposals is the receive side for RoomProposal, read by the owning session only.
func (o *Outbox) Proposals() <-chan Notification {
	return o.proposals
}

// Affirmations is the receive side for RoomAffirmation, read by the owning session only.
func (o *Outbox) Affirmations() <-chan Notification {
	return o.affirmations
}

func (o *Outbox) queue(n Notification) chan Notification {
	if _, ok := n.(RoomAffirmation); ok {
		return o.affirmations
	}
	return o.proposals
}

// TrySend delivers n without blocking.
func (o *Outbox) TrySend(n Notification) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	select {
	case <-o.done:
		return ErrPeerGone
	default:
	}
	select {
	case o.queue(n) <- n:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Send delivers n, waiting for buffer space until ctx is done or the owner goes away.
func (o *Outbox) Send(ctx context.Context, n Notification) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	select {
	case <-o.done:
		return ErrPeerGone
	default:
	}
	select {
	case o.queue(n) <- n:
		return nil
	case <-o.done:
		return ErrPeerGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the owner as gone. It is safe to call more than once. When Close
// returns no send is in flight, so Drain sees everything that was ever queued.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
	o.mu.Lock()
	o.mu.Unlock() //nolint:staticcheck // barrier only
}

// Closed reports whether Close has been called.
func (o *Outbox) Closed() bool {
	select {
	case <-o.done:
		return true
	default:
	}
	return false
}

// Drain removes and returns every queued notification, affirmations first.
func (o *Outbox) Drain() []Notification {
	var out []Notification
	for _, ch := range []chan Notification{o.affirmations, o.proposals} {
		for {
			select {
			case n := <-ch:
				out = append(out, n)
				continue
			default:
			}
			break
		}
	}
	return out
}
