// Package rendezvous implements the UDP address exchange that lets two peers
// holding the same room secret learn each other's public endpoint.
//
// The Table is not safe for concurrent use. It is owned by the coordinator
// goroutine, which is the only caller of Open, Match and Sweep.
package rendezvous

import (
	"errors"
	"net/netip"
	"time"

	"github.com/NicolasHaas/rhizome/pkg/model"
)

var (
	ErrRoomClosed        = errors.New("rendezvous: room is closed")
	ErrIdleTooLong       = errors.New("rendezvous: room idle too long")
	ErrPeerWaitedTooLong = errors.New("rendezvous: peer waited too long")
	ErrFamilyMismatch    = errors.New("rendezvous: peers use different address families")
)

// State is the lifecycle stage of a table entry. The zero value is invalid.
type State int

const (
	StateIdle    State = iota + 1 // room opened, nobody arrived yet
	StateWaiting                  // first peer arrived and waits for the second
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	default:
		return "invalid"
	}
}

// Entry is the table value for one room.
type Entry struct {
	State State
	Peer  netip.AddrPort // set when State == StateWaiting
	Since time.Time      // creation time (idle) or arrival of Peer (waiting)
}

// Outcome summarizes what a datagram did to its room.
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeWaiting
	OutcomeMatched
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWaiting:
		return "waiting"
	case OutcomeMatched:
		return "matched"
	default:
		return "rejected"
	}
}

// Datagram is an outbound UDP payload the caller must send.
type Datagram struct {
	To      netip.AddrPort
	Payload []byte
}

// Action is the result of matching one inbound datagram.
type Action struct {
	Outcome   Outcome
	Datagrams []Datagram
}

// Table maps live room secrets to their rendezvous state.
type Table struct {
	entries map[model.RoomID]Entry
	timeout time.Duration
}

// NewTable creates an empty table whose entries expire after timeout.
func NewTable(timeout time.Duration) *Table {
	return &Table{
		entries: make(map[model.RoomID]Entry),
		timeout: timeout,
	}
}

// Len returns the number of live rooms.
func (t *Table) Len() int { return len(t.entries) }

// Contains reports whether id is a live room.
func (t *Table) Contains(id model.RoomID) bool {
	_, ok := t.entries[id]
	return ok
}

// Lookup returns the entry for id without consuming it.
func (t *Table) Lookup(id model.RoomID) (Entry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

// Open registers a freshly minted room as idle.
func (t *Table) Open(id model.RoomID, now time.Time) {
	t.entries[id] = Entry{State: StateIdle, Since: now}
}

// Match processes one datagram carrying id from address from.
//
// The entry is always removed first and only reinserted on the idle -> waiting
// transition, so a room secret serves exactly one exchange. A rejected
// datagram may still carry probe datagrams (address family mismatch).
func (t *Table) Match(id model.RoomID, from netip.AddrPort, now time.Time) (Action, error) {
	from = Unmap(from)
	entry, ok := t.entries[id]
	if !ok {
		return Action{}, ErrRoomClosed
	}
	delete(t.entries, id)

	switch entry.State {
	case StateIdle:
		if t.expired(entry.Since, now) {
			return Action{}, ErrIdleTooLong
		}
		t.entries[id] = Entry{State: StateWaiting, Peer: from, Since: now}
		return Action{Outcome: OutcomeWaiting}, nil

	case StateWaiting:
		if t.expired(entry.Since, now) {
			return Action{}, ErrPeerWaitedTooLong
		}
		if entry.Peer == from {
			// retransmission from the waiting peer; the wait still ends Timeout after its first datagram
			t.entries[id] = entry
			return Action{Outcome: OutcomeWaiting}, nil
		}
		return MakeMatch(entry.Peer, from)

	default:
		return Action{}, ErrRoomClosed
	}
}

// Sweep drops every entry older than the timeout and returns the dropped ids.
func (t *Table) Sweep(now time.Time) []model.RoomID {
	var removed []model.RoomID
	for id, e := range t.entries {
		if t.expired(e.Since, now) {
			delete(t.entries, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (t *Table) expired(since, now time.Time) bool {
	return now.Sub(since) > t.timeout
}

// MakeMatch builds the datagrams that tell a about b and b about a.
// Peers on different address families only receive a single zero byte each.
func MakeMatch(a, b netip.AddrPort) (Action, error) {
	a, b = Unmap(a), Unmap(b)
	if a.Addr().Is4() != b.Addr().Is4() {
		return Action{
			Outcome: OutcomeRejected,
			Datagrams: []Datagram{
				{To: a, Payload: []byte{ProbeByte}},
				{To: b, Payload: []byte{ProbeByte}},
			},
		}, ErrFamilyMismatch
	}
	return Action{
		Outcome: OutcomeMatched,
		Datagrams: []Datagram{
			{To: a, Payload: EncodeAddr(b)},
			{To: b, Payload: EncodeAddr(a)},
		},
	}, nil
}

// Unmap rewrites an IPv4-mapped IPv6 endpoint (as seen on dual-stack sockets) to plain IPv4.
func Unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
