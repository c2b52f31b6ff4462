// Command cachewire-client is a minimal demonstration driver: it loads a
// YAML config, dials the first reachable cluster address, performs the
// control handshake, and serves the connection's background work (reading,
// timeout scanning, heartbeating) under a suture supervisor until
// interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"

	_ "github.com/calmh/cachewire/lib/automaxprocs"
	"github.com/calmh/cachewire/lib/config"
	"github.com/calmh/cachewire/lib/connection"
	"github.com/calmh/cachewire/lib/logutil"
	"github.com/calmh/cachewire/lib/peer"
	"github.com/calmh/cachewire/lib/protocol"
	"github.com/calmh/cachewire/lib/transport"
)

var cli struct {
	Config string `help:"Path to the client's YAML config file." default:"cachewire.yaml"`
	Trace  string `help:"Per-package trace levels, e.g. \"channel,connection:DEBUG\"." env:"CACHEWIRE_TRACE"`
}

func main() {
	kong.Parse(&cli, kong.Description("cachewire client driver"))

	if cli.Trace != "" {
		logutil.SetLevelOverrides(cli.Trace)
	}
	log := logutil.For("cmd", nil)

	if err := run(log); err != nil {
		log.Error("cachewire-client exiting", logutil.Error(err))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	reg := protocol.NewRegistry()
	control, err := protocol.NewControlProtocol(1, 1)
	if err != nil {
		return err
	}
	reg.Register(control)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer := transport.TCPDialer{}
	var lastErr error
	for _, addr := range cfg.Addresses {
		log.Info("dialing cluster member", "address", addr)
		conn, err := dialer.Dial(ctx, addr)
		if err != nil {
			log.Warn("dial failed, trying next address", "address", addr, logutil.Error(err))
			lastErr = err
			continue
		}

		cwConn, err := connection.New(conn, reg)
		if err != nil {
			conn.Close()
			return err
		}
		if err := cwConn.Open(ctx, connection.Identity{
			ClientName:    cfg.ClientName,
			ClientVersion: cfg.ClientVersion,
			SharedSecret:  cfg.SharedSecret,
		}, cfg.CompressFrames); err != nil {
			conn.Close()
			log.Warn("handshake failed, trying next address", "address", addr, logutil.Error(err))
			lastErr = err
			continue
		}
		log.Info("connected", "address", addr, "peer", cwConn.PeerName())

		p := peer.New(cwConn, peer.Config{
			DefaultRequestTimeout: cfg.Timeouts.DefaultRequest.AsDuration(),
			TimeoutScanInterval:   cfg.Timeouts.ScanInterval.AsDuration(),
			HeartbeatInterval:     cfg.Heartbeat.Interval.AsDuration(),
			HeartbeatTimeout:      cfg.Heartbeat.Timeout.AsDuration(),
		})
		p.OnHeartbeatMiss(func(err error) {
			log.Warn("heartbeat missed", logutil.Error(err))
		})

		supervisor := suture.NewSimple("cachewire-client")
		supervisor.Add(p)

		errCh := supervisor.ServeBackground(ctx)
		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				log.Error("supervisor exited", logutil.Error(err))
			}
		}
		_ = cwConn.Close(nil)
		return nil
	}

	return fmt.Errorf("cachewire-client: could not connect to any configured address: %w", lastErr)
}
