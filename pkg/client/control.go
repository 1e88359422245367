// Package client implements the rhizome client side: the TLS control
// connection and the UDP rendezvous exchange.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/rhizome/pkg/model"
	"github.com/NicolasHaas/rhizome/pkg/protocol"
)

// EventHandler is a callback for incoming server frames.
type EventHandler func(msg protocol.Message)

// ControlClient manages the TLS control connection.
type ControlClient struct {
	conn     net.Conn
	r        *bufio.Reader
	greeting string
	mu       sync.Mutex // serializes writes
	done     chan struct{}

	// set while a WantsRoom is unanswered; the server reads any other
	// frame in that window as a rejection
	proposed atomic.Bool
}

// Dial connects to the server's control channel and reads its greeting.
// A nil tlsCfg accepts the server's self-signed certificate.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config) (*ControlClient, error) {
	if tlsCfg == nil {
		tlsCfg = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // self-signed server certificates (TOFU model)
			MinVersion:         tls.VersionTLS13,
		}
	}

	dialer := &tls.Dialer{Config: tlsCfg}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect control: %w", err)
	}

	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(d)
	}
	r := bufio.NewReader(conn)
	version, err := protocol.ReadGreeting(r)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	slog.Debug("connected", "addr", addr, "server_version", version)

	return &ControlClient{
		conn:     conn,
		r:        r,
		greeting: version,
		done:     make(chan struct{}),
	}, nil
}

// ServerVersion returns the version announced in the server greeting.
func (c *ControlClient) ServerVersion() string {
	return c.greeting
}

// Authenticate sends the raw identity bytes. The server does not answer;
// a rejected identity shows up as a closed connection.
func (c *ControlClient) Authenticate(id model.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(id[:]); err != nil {
		return fmt.Errorf("client: send identity: %w", err)
	}
	return nil
}

// Send sends a frame to the server.
func (c *ControlClient) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteFrame(c.conn, msg)
}

// Recv reads the next server frame. Do not mix with StartReceiving.
func (c *ControlClient) Recv() (protocol.Message, error) {
	msg, err := protocol.ReadFrame(c.r)
	if err != nil {
		return protocol.Message{}, err
	}
	if !msg.Kind.FromServer() {
		return protocol.Message{}, fmt.Errorf("client: %w: %s", protocol.ErrUnexpectedMessage, msg.Kind)
	}
	if msg.Kind == protocol.KindWantsRoom {
		c.proposed.Store(true)
	}
	return msg, nil
}

// SetReadDeadline bounds the next Recv.
func (c *ControlClient) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Heartbeat keeps the session alive. It sends nothing while a room proposal
// is waiting for Accept.
func (c *ControlClient) Heartbeat() error {
	if c.proposed.Load() {
		return nil
	}
	return c.Send(protocol.Heartbeat())
}

func (c *ControlClient) Shutdown() error { return c.Send(protocol.Shutdown()) }

// RequestRoom asks the server to propose a room to target.
func (c *ControlClient) RequestRoom(target model.User) error {
	return c.Send(protocol.Room(target))
}

// Accept answers a WantsRoom proposal.
func (c *ControlClient) Accept(ok bool) error {
	defer c.proposed.Store(false)
	return c.Send(protocol.Accept(ok))
}

// StartReceiving starts a goroutine that reads incoming frames and
// dispatches them to handler until the connection fails.
func (c *ControlClient) StartReceiving(handler EventHandler) {
	go func() {
		defer close(c.done)
		for {
			msg, err := c.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					slog.Debug("control connection closed")
					return
				}
				slog.Error("control read error", "err", err)
				return
			}
			if handler != nil {
				handler(msg)
			}
		}
	}()
}

// Done returns a channel that's closed when the receive loop ends.
func (c *ControlClient) Done() <-chan struct{} {
	return c.done
}

// Close closes the control connection.
func (c *ControlClient) Close() error {
	return c.conn.Close()
}
