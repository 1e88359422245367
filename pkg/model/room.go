package model

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// RoomIDSize is the byte size of a room secret.
const RoomIDSize = 32

var ErrRoomIDLength = fmt.Errorf("room id must be %d bytes", RoomIDSize)

// RoomID is the one-time secret minted by the coordinator for a single rendezvous.
// String never reveals the secret; use Fingerprint to correlate log lines.
type RoomID [RoomIDSize]byte

// RoomIDFromBytes copies b into a RoomID. b must be exactly RoomIDSize bytes.
func RoomIDFromBytes(b []byte) (RoomID, error) {
	var id RoomID
	if len(b) != RoomIDSize {
		return id, ErrRoomIDLength
	}
	copy(id[:], b)
	return id, nil
}

// Fingerprint returns the first 8 bytes of BLAKE2b-256(id), hex encoded.
func (id RoomID) Fingerprint() string {
	sum := blake2b.Sum256(id[:])
	return hex.EncodeToString(sum[:8])
}

func (id RoomID) String() string {
	return "room:" + id.Fingerprint()
}
