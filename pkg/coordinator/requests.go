package coordinator

import (
	"net/netip"

	"github.com/NicolasHaas/rhizome/pkg/model"
	"github.com/NicolasHaas/rhizome/pkg/rendezvous"
)

// Request is a message processed by the coordinator goroutine. Reply channels
// must have room for one value; the coordinator never waits on them.
type Request interface {
	request()
}

// SubscribeUser registers Outbox as the delivery handle for User, replacing any previous one.
type SubscribeUser struct {
	User   model.User
	Outbox *Outbox
}

// Disconnect removes User from the registry if Outbox is still the registered one.
type Disconnect struct {
	User   model.User
	Outbox *Outbox
}

// RoomRequest asks for the outbox of Receiver. Reply gets nil when Receiver is not connected.
type RoomRequest struct {
	Receiver model.User
	Reply    chan<- *Outbox
}

// GenerateRoom mints a room for two users that agreed to meet.
type GenerateRoom struct {
	Proposer        model.User
	ProposerOutbox  *Outbox
	Recipient       model.User
	RecipientOutbox *Outbox
}

// Rendezvous feeds one UDP datagram into the rendezvous table.
type Rendezvous struct {
	RoomID model.RoomID
	From   netip.AddrPort
	Reply  chan<- RendezvousResult
}

// RendezvousResult carries the datagrams to send back and the matcher outcome.
type RendezvousResult struct {
	Action rendezvous.Action
	Err    error
}

// Stats asks for a snapshot of the coordinator counters.
type Stats struct {
	Reply chan<- Snapshot
}

func (SubscribeUser) request() {}
func (Disconnect) request()    {}
func (RoomRequest) request()   {}
func (GenerateRoom) request()  {}
func (Rendezvous) request()    {}
func (Stats) request()         {}

// Snapshot is a point-in-time copy of coordinator state sizes and counters.
type Snapshot struct {
	Users int `json:"users"`
	Rooms int `json:"rooms"`

	Subscribes       int64 `json:"subscribes"`
	Disconnects      int64 `json:"disconnects"`
	StaleDisconnects int64 `json:"stale_disconnects"`
	RouteHits        int64 `json:"route_hits"`
	RouteMisses      int64 `json:"route_misses"`

	RoomsOpened  int64 `json:"rooms_opened"`
	RoomsDropped int64 `json:"rooms_dropped"`
	RoomsExpired int64 `json:"rooms_expired"`

	AffirmationsDelivered int64 `json:"affirmations_delivered"`
	AffirmationsFailed    int64 `json:"affirmations_failed"`

	Waits          int64 `json:"waits"`
	Matches        int64 `json:"matches"`
	RejectedClosed int64 `json:"rejected_closed"`
	RejectedIdle   int64 `json:"rejected_idle"`
	RejectedWaited int64 `json:"rejected_waited"`
	RejectedFamily int64 `json:"rejected_family"`
}
