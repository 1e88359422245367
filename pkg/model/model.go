// Package model defines the core domain types for Rhizome.
package model

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// IdentitySize is the byte size of a user identity (a raw public key).
const IdentitySize = 32

var ErrIdentityLength = fmt.Errorf("identity must be %d bytes", IdentitySize)
var ErrIdentityEncoding = errors.New("identity must be hex encoded")

// Identity is the 32-byte public key a client presents after the TLS handshake.
// No PKI validation happens beyond equality.
type Identity [IdentitySize]byte

// IdentityFromBytes copies b into an Identity. b must be exactly IdentitySize bytes.
func IdentityFromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) != IdentitySize {
		return id, ErrIdentityLength
	}
	copy(id[:], b)
	return id, nil
}

// ParseIdentity decodes a hex encoded identity.
func ParseIdentity(s string) (Identity, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Identity{}, ErrIdentityEncoding
	}
	return IdentityFromBytes(raw)
}

// String returns the full hex encoding.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, enough to tell users apart in logs.
func (id Identity) Short() string {
	return hex.EncodeToString(id[:4])
}

// User is an authenticated participant. Immutable and compared by key.
type User struct {
	Key Identity
}

// NewUser wraps an identity.
func NewUser(key Identity) User {
	return User{Key: key}
}

func (u User) String() string {
	return u.Key.Short()
}
