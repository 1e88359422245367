package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/NicolasHaas/rhizome/pkg/client"
	"github.com/NicolasHaas/rhizome/pkg/crypto"
	"github.com/NicolasHaas/rhizome/pkg/logging"
	"github.com/NicolasHaas/rhizome/pkg/model"
	"github.com/NicolasHaas/rhizome/pkg/protocol"
	"github.com/NicolasHaas/rhizome/pkg/version"
)

type options struct {
	server     string
	rendezvous string
	identity   string
	peer       string
	accept     bool
	timeout    time.Duration
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("rhizome-client", pflag.ContinueOnError)
	flags.StringVar(&opts.server, "server", "localhost:9999", "Server control channel address")
	flags.StringVar(&opts.rendezvous, "rendezvous", "localhost:9998", "Server UDP rendezvous address")
	flags.StringVar(&opts.identity, "identity", "", "Hex-encoded 32-byte identity (random if empty)")
	flags.StringVar(&opts.peer, "peer", "", "Hex-encoded identity to request a room with")
	flags.BoolVar(&opts.accept, "accept", true, "Accept incoming room proposals")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Server timeout; heartbeats are sent every half of it")
	logLevel := flags.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flags.String("log-format", "text", "Log format: text or json")
	showVersion := flags.Bool("version", false, "Print version and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println("rhizome-client", version.Full())
		return
	}

	if err := logging.Setup(logging.Options{
		Level:     *logLevel,
		Format:    *logFormat,
		Output:    os.Stderr,
		Component: "client",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		slog.Error("client error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	self, err := identity(opts.identity)
	if err != nil {
		return err
	}
	var peer *model.User
	if opts.peer != "" {
		key, err := model.ParseIdentity(opts.peer)
		if err != nil {
			return fmt.Errorf("peer: %w", err)
		}
		u := model.NewUser(key)
		peer = &u
	}
	fmt.Println("identity:", self.String())

	udpAddr, err := net.ResolveUDPAddr("udp", opts.rendezvous)
	if err != nil {
		return fmt.Errorf("resolve rendezvous: %w", err)
	}
	udp, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer func() { _ = udp.Close() }()

	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	c, err := client.Dial(dialCtx, opts.server, nil)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	if err := c.Authenticate(self); err != nil {
		return err
	}
	slog.Info("connected", "server", opts.server, "server_version", c.ServerVersion())

	events := make(chan protocol.Message, 16)
	c.StartReceiving(func(msg protocol.Message) {
		// answered here so that no heartbeat slips in before the Accept
		if msg.Kind == protocol.KindWantsRoom {
			from, _ := msg.Peer()
			slog.Info("room proposal", "from", from.Key.String(), "accept", opts.accept)
			if err := c.Accept(opts.accept); err != nil {
				slog.Warn("answer room proposal", "err", err)
			}
			return
		}
		events <- msg
	})

	if peer != nil {
		if err := c.RequestRoom(*peer); err != nil {
			return err
		}
	}

	heartbeat := time.NewTicker(opts.timeout / 2)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.Shutdown()
			return nil
		case <-c.Done():
			return fmt.Errorf("connection closed by server")
		case <-heartbeat.C:
			if err := c.Heartbeat(); err != nil {
				return err
			}
		case msg := <-events:
			done, err := handle(ctx, udp, udpAddr, msg, opts, peer != nil)
			if err != nil || done {
				_ = c.Shutdown()
				return err
			}
		}
	}
}

// handle reacts to one server frame and reports whether the client is finished.
func handle(ctx context.Context, udp *net.UDPConn, server *net.UDPAddr, msg protocol.Message, opts options, oneShot bool) (bool, error) {
	switch msg.Kind {
	case protocol.KindHasRoute:
		slog.Info("proposal delivered, waiting for answer")
		return false, nil
	case protocol.KindNoRoute:
		target, _ := msg.Peer()
		slog.Warn("peer not reachable", "peer", target)
		return oneShot, nil
	case protocol.KindAcceptedRoom:
		id, err := msg.Room()
		if err != nil {
			return true, err
		}
		if id == nil {
			slog.Warn("room declined")
			return oneShot, nil
		}
		rctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		addr, err := client.Rendezvous(rctx, udp, server.AddrPort(), *id)
		if err != nil {
			slog.Warn("rendezvous failed", "room", id.Fingerprint(), "err", err)
			return oneShot, nil
		}
		fmt.Println("peer:", addr.String())
		return oneShot, nil
	default:
		return false, nil
	}
}

func identity(hex string) (model.Identity, error) {
	if hex == "" {
		return crypto.GenerateIdentity(nil)
	}
	key, err := model.ParseIdentity(hex)
	if err != nil {
		return model.Identity{}, fmt.Errorf("identity: %w", err)
	}
	return key, nil
}
