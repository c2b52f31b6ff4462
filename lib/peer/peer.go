// Package peer implements the ConnectionManager (C7): the single service
// loop that owns a Connection's read path, its deadline-ordered timeout
// scanning, and its heartbeat. It is built to run as a suture.Service so a
// long-lived client process can supervise many peers with automatic
// restart, the same shape the teacher uses for its own long-running
// services.
package peer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calmh/cachewire/lib/connection"
	"github.com/calmh/cachewire/lib/metrics"
	"github.com/calmh/cachewire/lib/protoerr"
	"github.com/calmh/cachewire/lib/protocol"
)

// Config holds a Peer's timeout and heartbeat policy.
type Config struct {
	// DefaultRequestTimeout is used for any request whose caller does not
	// supply a more specific timeout. Zero means infinite.
	DefaultRequestTimeout time.Duration

	// TimeoutScanInterval is how often the deadline-ordered request index
	// is scanned for expired statuses.
	TimeoutScanInterval time.Duration

	// HeartbeatInterval is how often a PingRequest is sent on channel 0.
	// Zero disables heartbeating entirely.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a PingRequest may go unanswered before
	// the connection is closed with ErrHeartbeat.
	HeartbeatTimeout time.Duration
}

// DefaultConfig returns reasonable defaults: a 30s request timeout, a 1s
// timeout-scan tick, and a 15s/10s heartbeat interval/timeout.
func DefaultConfig() Config {
	return Config{
		DefaultRequestTimeout: 30 * time.Second,
		TimeoutScanInterval:   time.Second,
		HeartbeatInterval:     15 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
	}
}

// Peer coordinates one Connection's background work. It holds no
// application state of its own; Connection and Channel remain the things
// applications call send/request against.
type Peer struct {
	conn   *connection.Connection
	config Config

	onHeartbeatMiss func(error)
}

// New creates a Peer coordinating conn under cfg.
func New(conn *connection.Connection, cfg Config) *Peer {
	return &Peer{conn: conn, config: cfg}
}

// OnHeartbeatMiss installs a callback invoked (in addition to closing the
// connection) when a heartbeat round trip fails to complete in time.
func (p *Peer) OnHeartbeatMiss(f func(error)) {
	p.onHeartbeatMiss = f
}

// DefaultTimeout resolves the effective request timeout for one call: the
// configured connection-level default, the more restrictive of that and
// priorityHint if priorityHint is positive, and the more restrictive of the
// result and ctx's deadline if ctx has one. A result of 0 means infinite.
func (p *Peer) DefaultTimeout(ctx context.Context, priorityHint time.Duration) time.Duration {
	t := p.config.DefaultRequestTimeout
	if priorityHint > 0 && (t == 0 || priorityHint < t) {
		t = priorityHint
	}
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 && (t == 0 || remaining < t) {
			t = remaining
		}
	}
	return t
}

// Serve runs the read loop, the timeout scanner and the heartbeat loop
// until ctx is cancelled or one of them fails, and satisfies
// suture.Service and (incidentally) the Serve(ctx) error shape suture
// supervises. It returns nil on clean ctx cancellation.
func (p *Peer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(ctx) })
	g.Go(func() error { return p.timeoutScanLoop(ctx) })
	if p.config.HeartbeatInterval > 0 {
		g.Go(func() error { return p.heartbeatLoop(ctx) })
	}

	err := g.Wait()
	if ctx.Err() != nil && err == context.Canceled {
		return nil
	}
	return err
}

// readLoop is the connection's sole reader: it decodes and dispatches one
// frame at a time until the transport fails or ctx is cancelled.
func (p *Peer) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := p.conn.ReadAndDispatch(); err != nil {
			return fmt.Errorf("peer: read loop: %w", err)
		}
	}
}

// timeoutScanLoop periodically scans every channel's deadline-ordered
// request index and completes anything overdue with ErrTimeout.
func (p *Peer) timeoutScanLoop(ctx context.Context) error {
	interval := p.config.TimeoutScanInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, ch := range p.conn.Channels() {
				ch.ScanTimeouts(now)
			}
		}
	}
}

// heartbeatLoop sends a PingRequest on channel 0 every HeartbeatInterval
// and closes the connection with ErrHeartbeat if one does not complete
// within HeartbeatTimeout.
func (p *Peer) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.ping(ctx); err != nil {
				metrics.HeartbeatMisses.Inc()
				if p.onHeartbeatMiss != nil {
					p.onHeartbeatMiss(err)
				}
				_ = p.conn.Close(fmt.Errorf("%w: %v", protoerr.ErrHeartbeat, err))
				return fmt.Errorf("%w: %v", protoerr.ErrHeartbeat, err)
			}
		}
	}
}

func (p *Peer) ping(ctx context.Context) error {
	ch0, ok := p.conn.Channel(0)
	if !ok {
		return fmt.Errorf("peer: %w: no control channel", protoerr.ErrIllegalState)
	}
	pingCtx, cancel := context.WithTimeout(ctx, p.config.HeartbeatTimeout)
	defer cancel()

	req := &protocol.PingRequestMessage{Base: protocol.NewBase(protocol.TypePingRequest, ch0.Factory().Version())}
	_, err := ch0.Request(pingCtx, req, p.config.HeartbeatTimeout)
	return err
}
