package rendezvous

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	// FamilyV4 and FamilyV6 are the leading tag byte of an address datagram.
	FamilyV4 = 4
	FamilyV6 = 6

	// ProbeByte is the whole payload sent on an address family mismatch.
	ProbeByte = 0

	// MaxAddrSize is the largest encoded address: tag + 16 address bytes + port.
	MaxAddrSize = 1 + 16 + 2
)

var ErrBadAddress = errors.New("rendezvous: bad address datagram")

// EncodeAddr encodes ap as [family][4 or 16 address bytes][2-byte big-endian port].
// IPv4-mapped IPv6 addresses are encoded as IPv4.
func EncodeAddr(ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	var buf []byte
	if addr.Is4() {
		raw := addr.As4()
		buf = make([]byte, 0, 1+4+2)
		buf = append(buf, FamilyV4)
		buf = append(buf, raw[:]...)
	} else {
		raw := addr.As16()
		buf = make([]byte, 0, MaxAddrSize)
		buf = append(buf, FamilyV6)
		buf = append(buf, raw[:]...)
	}
	return binary.BigEndian.AppendUint16(buf, ap.Port())
}

// DecodeAddr parses an address datagram. A single ProbeByte decodes to ErrFamilyMismatch.
func DecodeAddr(b []byte) (netip.AddrPort, error) {
	if len(b) == 1 && b[0] == ProbeByte {
		return netip.AddrPort{}, ErrFamilyMismatch
	}
	if len(b) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: empty", ErrBadAddress)
	}
	var addr netip.Addr
	switch b[0] {
	case FamilyV4:
		if len(b) != 1+4+2 {
			return netip.AddrPort{}, fmt.Errorf("%w: v4 datagram is %d bytes", ErrBadAddress, len(b))
		}
		addr = netip.AddrFrom4([4]byte(b[1:5]))
	case FamilyV6:
		if len(b) != MaxAddrSize {
			return netip.AddrPort{}, fmt.Errorf("%w: v6 datagram is %d bytes", ErrBadAddress, len(b))
		}
		addr = netip.AddrFrom16([16]byte(b[1:17]))
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: family %d", ErrBadAddress, b[0])
	}
	port := binary.BigEndian.Uint16(b[len(b)-2:])
	return netip.AddrPortFrom(addr, port), nil
}
