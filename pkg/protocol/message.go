package protocol

import (
	"errors"
	"fmt"

	"github.com/NicolasHaas/rhizome/pkg/model"
)

var (
	ErrMalformed         = errors.New("protocol: malformed message")
	ErrUnexpectedMessage = errors.New("protocol: unexpected message")
)

// Kind tags a control message. The zero value is invalid.
type Kind uint8

// Client -> server kinds.
const (
	KindHeartbeat Kind = iota + 1
	KindShutdown
	KindRoom
	KindAccept
)

// Server -> client kinds.
const (
	KindWantsRoom Kind = iota + 16
	KindHasRoute
	KindNoRoute
	KindAcceptedRoom
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "Heartbeat"
	case KindShutdown:
		return "Shutdown"
	case KindRoom:
		return "Room"
	case KindAccept:
		return "Accept"
	case KindWantsRoom:
		return "WantsRoom"
	case KindHasRoute:
		return "HasRoute"
	case KindNoRoute:
		return "NoRoute"
	case KindAcceptedRoom:
		return "AcceptedRoom"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// FromClient reports whether k may be sent by a client.
func (k Kind) FromClient() bool {
	return k >= KindHeartbeat && k <= KindAccept
}

// FromServer reports whether k may be sent by the server.
func (k Kind) FromServer() bool {
	return k >= KindWantsRoom && k <= KindAcceptedRoom
}

func (k Kind) carriesUser() bool {
	switch k {
	case KindRoom, KindWantsRoom, KindHasRoute, KindNoRoute:
		return true
	}
	return false
}

// Message is the single envelope for every control frame. Which fields are
// meaningful depends on Kind:
//
//	Room, WantsRoom, HasRoute, NoRoute: User
//	Accept:                             Accept
//	AcceptedRoom:                       RoomID (absent = rejected)
type Message struct {
	Kind   Kind   `cbor:"1,keyasint"`
	User   []byte `cbor:"2,keyasint,omitempty"`
	Accept bool   `cbor:"3,keyasint,omitempty"`
	RoomID []byte `cbor:"4,keyasint,omitempty"`
}

// Validate checks that the kind is known and the fields it needs are well formed.
func (m Message) Validate() error {
	if !m.Kind.FromClient() && !m.Kind.FromServer() {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, uint8(m.Kind))
	}
	if m.Kind.carriesUser() && len(m.User) != model.IdentitySize {
		return fmt.Errorf("%w: %s user is %d bytes", ErrMalformed, m.Kind, len(m.User))
	}
	if !m.Kind.carriesUser() && len(m.User) != 0 {
		return fmt.Errorf("%w: %s carries a user", ErrMalformed, m.Kind)
	}
	if m.Kind == KindAcceptedRoom {
		if len(m.RoomID) != 0 && len(m.RoomID) != model.RoomIDSize {
			return fmt.Errorf("%w: room id is %d bytes", ErrMalformed, len(m.RoomID))
		}
	} else if len(m.RoomID) != 0 {
		return fmt.Errorf("%w: %s carries a room id", ErrMalformed, m.Kind)
	}
	return nil
}

// Peer returns the user carried by Room, WantsRoom, HasRoute and NoRoute.
func (m Message) Peer() (model.User, error) {
	if !m.Kind.carriesUser() {
		return model.User{}, fmt.Errorf("%w: %s has no user", ErrUnexpectedMessage, m.Kind)
	}
	key, err := model.IdentityFromBytes(m.User)
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return model.NewUser(key), nil
}

// Room returns the room id carried by AcceptedRoom, or nil when the room was rejected.
func (m Message) Room() (*model.RoomID, error) {
	if m.Kind != KindAcceptedRoom {
		return nil, fmt.Errorf("%w: %s has no room", ErrUnexpectedMessage, m.Kind)
	}
	if len(m.RoomID) == 0 {
		return nil, nil
	}
	id, err := model.RoomIDFromBytes(m.RoomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &id, nil
}

func (m Message) String() string {
	switch {
	case m.Kind.carriesUser() && len(m.User) == model.IdentitySize:
		u, _ := m.Peer()
		return m.Kind.String() + "(" + u.String() + ")"
	case m.Kind == KindAccept:
		return fmt.Sprintf("Accept(%t)", m.Accept)
	case m.Kind == KindAcceptedRoom:
		id, err := m.Room()
		if err != nil || id == nil {
			return "AcceptedRoom(none)"
		}
		return "AcceptedRoom(" + id.String() + ")"
	default:
		return m.Kind.String()
	}
}

func userMessage(kind Kind, u model.User) Message {
	key := u.Key
	return Message{Kind: kind, User: key[:]}
}

// Heartbeat is a client liveness probe; the server does not answer it.
func Heartbeat() Message { return Message{Kind: KindHeartbeat} }

// Shutdown asks the server to close the session.
func Shutdown() Message { return Message{Kind: KindShutdown} }

// Room asks the server to propose a room to target.
func Room(target model.User) Message { return userMessage(KindRoom, target) }

// Accept answers a WantsRoom proposal.
func Accept(ok bool) Message { return Message{Kind: KindAccept, Accept: ok} }

// WantsRoom tells a client that proposer wants a room with it.
func WantsRoom(proposer model.User) Message { return userMessage(KindWantsRoom, proposer) }

// HasRoute tells a client its proposal reached target.
func HasRoute(target model.User) Message { return userMessage(KindHasRoute, target) }

// NoRoute tells a client target is not reachable.
func NoRoute(target model.User) Message { return userMessage(KindNoRoute, target) }

// AcceptedRoom reports the outcome of a room negotiation. A nil id means rejected.
func AcceptedRoom(id *model.RoomID) Message {
	msg := Message{Kind: KindAcceptedRoom}
	if id != nil {
		raw := *id
		msg.RoomID = raw[:]
	}
	return msg
}
