package transport

import (
	"context"
	"net"

	"golang.org/x/time/rate"
)

// RateLimitedDialer wraps another Dialer, returning connections whose reads
// and writes are governed by a shared token bucket: useful for a client
// sharing an uplink across many connections to the same cluster.
type RateLimitedDialer struct {
	Dialer  Dialer
	Read    *rate.Limiter
	Write   *rate.Limiter
}

func (d RateLimitedDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	conn, err := d.Dialer.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return &rateLimitedConn{Conn: conn, read: d.Read, write: d.Write}, nil
}

type rateLimitedConn struct {
	net.Conn
	read  *rate.Limiter
	write *rate.Limiter
}

func (c *rateLimitedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 && c.read != nil {
		_ = c.read.WaitN(context.Background(), n)
	}
	return n, err
}

func (c *rateLimitedConn) Write(b []byte) (int, error) {
	if c.write != nil {
		if err := c.write.WaitN(context.Background(), len(b)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
