package server

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/NicolasHaas/rhizome/pkg/coordinator"
	"github.com/NicolasHaas/rhizome/pkg/model"
	"github.com/NicolasHaas/rhizome/pkg/rendezvous"
)

// datagramBufferSize is larger than any valid datagram so oversized ones are
// seen with their (truncated) length instead of passing as a room id.
const datagramBufferSize = 512

// rendezvousLoop reads room ids from the UDP socket, asks the coordinator to
// match them and sends whatever datagrams the match produced.
func (s *Server) rendezvousLoop(ctx context.Context) error {
	slog.Info("rendezvous listening", "addr", s.udpConn.LocalAddr().String())
	buf := make([]byte, datagramBufferSize)
	for {
		n, from, err := s.udpConn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("rendezvous read error", "err", err)
			continue
		}
		s.metrics.DatagramsIn.Add(1)
		from = rendezvous.Unmap(from)

		if n != model.RoomIDSize {
			s.metrics.DatagramsMalformed.Add(1)
			slog.Debug("dropping malformed rendezvous datagram", "from", from, "size", n)
			continue
		}
		id := model.RoomID(buf[:n])

		res, err := s.coord.Rendezvous(ctx, id, from)
		if err != nil {
			if errors.Is(err, coordinator.ErrStopped) || ctx.Err() != nil {
				return nil
			}
			slog.Error("rendezvous request failed", "room", id.Fingerprint(), "err", err)
			continue
		}
		if res.Err != nil {
			s.metrics.DatagramsRejected.Add(1)
			slog.Debug("rendezvous rejected", "room", id.Fingerprint(), "from", from, "err", res.Err)
		} else if res.Action.Outcome == rendezvous.OutcomeMatched {
			slog.Info("rendezvous matched", "room", id.Fingerprint())
		}

		for _, d := range res.Action.Datagrams {
			if _, err := s.udpConn.WriteToUDPAddrPort(d.Payload, d.To); err != nil {
				slog.Warn("rendezvous send failed", "room", id.Fingerprint(), "to", d.To, "err", err)
				continue
			}
			s.metrics.DatagramsSent.Add(1)
		}
	}
}
