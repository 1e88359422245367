// Package protocol defines the control-channel greeting and message framing.
//
// After the TLS handshake the server writes a greeting line, the client
// answers with its raw 32-byte identity, and from then on both sides exchange
// frames: [4-byte big-endian length][CBOR encoded Message].
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/NicolasHaas/rhizome/pkg/version"
)

const (
	// Name is the protocol name announced in the greeting.
	Name = "rhizome"

	// FrameHeaderSize is the byte size of the length prefix.
	FrameHeaderSize = 4

	// MaxFrameSize bounds a single frame payload. Real messages are < 100 bytes.
	MaxFrameSize = 4096
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrBadGreeting   = errors.New("protocol: bad greeting")
)

// Greeting returns the line the server sends right after the TLS handshake.
// Format: "rhizome v<version>\n"
func Greeting() string {
	return Name + " v" + version.String() + "\n"
}

// ReadGreeting reads and checks the server greeting and returns the announced version.
func ReadGreeting(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return "", fmt.Errorf("protocol: read greeting: %w", err)
	}
	prefix := Name + " v"
	s := strings.TrimSuffix(string(line), "\n")
	if !strings.HasPrefix(s, prefix) || len(s) == len(prefix) {
		return "", fmt.Errorf("%w: %q", ErrBadGreeting, s)
	}
	return strings.TrimPrefix(s, prefix), nil
}

// WriteFrame writes a length-prefixed message in a single Write call.
func WriteFrame(w io.Writer, msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	buf := make([]byte, FrameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data))) //nolint:gosec // length already bounds-checked above
	copy(buf[FrameHeaderSize:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// ReadFrameHeader reads the length prefix of the next frame.
func ReadFrameHeader(r io.Reader) (uint32, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxFrameSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	return length, nil
}

// ReadFrameBody reads a payload of the given length and decodes it.
func ReadFrameBody(r io.Reader, length uint32) (Message, error) {
	if length > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Message{}, fmt.Errorf("protocol: read payload: %w", err)
	}
	return Unmarshal(data)
}

// ReadFrame reads one complete frame.
func ReadFrame(r io.Reader) (Message, error) {
	length, err := ReadFrameHeader(r)
	if err != nil {
		return Message{}, err
	}
	return ReadFrameBody(r, length)
}
