// Package crypto draws the random secrets rhizome hands out: room ids on the
// server and throwaway identities in the client.
package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/NicolasHaas/rhizome/pkg/model"
)

// GenerateKey reads size random bytes from r, or from crypto/rand when r is nil.
func GenerateKey(r io.Reader, size int) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return key, nil
}

// GenerateRoomID draws a fresh room secret.
func GenerateRoomID(r io.Reader) (model.RoomID, error) {
	key, err := GenerateKey(r, model.RoomIDSize)
	if err != nil {
		return model.RoomID{}, err
	}
	return model.RoomID(key), nil
}

// GenerateIdentity draws a random user identity.
func GenerateIdentity(r io.Reader) (model.Identity, error) {
	key, err := GenerateKey(r, model.IdentitySize)
	if err != nil {
		return model.Identity{}, err
	}
	return model.Identity(key), nil
}
