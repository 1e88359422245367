package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/NicolasHaas/rhizome/pkg/model"
	"github.com/NicolasHaas/rhizome/pkg/rendezvous"
)

// RendezvousRetry is how long Rendezvous waits before resending the room id.
// Resends from the same address only refresh the server-side wait.
var RendezvousRetry = time.Second

// Rendezvous sends id to the server's rendezvous address from conn and waits
// for the address of the other peer. conn should be the socket later used
// for hole punching so that the server sees the same NAT mapping.
// A server probe (address family mismatch) returns rendezvous.ErrFamilyMismatch.
func Rendezvous(ctx context.Context, conn *net.UDPConn, server netip.AddrPort, id model.RoomID) (netip.AddrPort, error) {
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	server = rendezvous.Unmap(server)
	buf := make([]byte, rendezvous.MaxAddrSize+1)

	for {
		if _, err := conn.WriteToUDPAddrPort(id[:], server); err != nil {
			return netip.AddrPort{}, fmt.Errorf("client: send room id: %w", err)
		}

		deadline := time.Now().Add(RendezvousRetry)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = conn.SetReadDeadline(deadline)

	read:
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				if ctx.Err() != nil {
					return netip.AddrPort{}, ctx.Err()
				}
				if errors.Is(err, os.ErrDeadlineExceeded) {
					break read
				}
				return netip.AddrPort{}, fmt.Errorf("client: read rendezvous: %w", err)
			}
			if rendezvous.Unmap(from) != server {
				continue
			}
			peer, err := rendezvous.DecodeAddr(buf[:n])
			if err != nil {
				return netip.AddrPort{}, fmt.Errorf("client: rendezvous: %w", err)
			}
			return peer, nil
		}

		if err := ctx.Err(); err != nil {
			return netip.AddrPort{}, err
		}
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return netip.AddrPort{}, context.DeadlineExceeded
		}
	}
}
