// Package journal keeps an append-only audit trail of room lifecycle events.
//
// The journal is write-only from the server's point of view: nothing is ever
// read back to rebuild rendezvous state after a restart.
package journal

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Kind names a journal event.
type Kind string

const (
	RoomOpened         Kind = "room_opened"
	RoomDropped        Kind = "room_dropped"
	RendezvousWaiting  Kind = "rendezvous_waiting"
	RendezvousMatched  Kind = "rendezvous_matched"
	RendezvousRejected Kind = "rendezvous_rejected"
)

// Event is one journal row. Room is the room fingerprint, never the secret.
type Event struct {
	ID     int64     `yaml:"id,omitempty"`
	Time   time.Time `yaml:"time"`
	Kind   Kind      `yaml:"kind"`
	Room   string    `yaml:"room"`
	Detail string    `yaml:"detail,omitempty"`
}

// Recorder accepts events without blocking the caller.
type Recorder interface {
	Record(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(Event) {}

// ExportYAML renders events as a YAML document.
func ExportYAML(events []Event) ([]byte, error) {
	export := struct {
		Events []Event `yaml:"events"`
	}{Events: events}
	return yaml.Marshal(&export)
}
