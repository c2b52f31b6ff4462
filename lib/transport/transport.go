// Package transport provides the reference collaborator implementations of
// the byte-oriented, full-duplex, reliable, ordered Transport interface
// connection.Connection multiplexes over: a plain or TLS-wrapped TCP
// dialer, optionally rate-limited.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Dialer produces a ready-to-use transport.Transport for one cluster
// endpoint.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer dials plain TCP, suitable for trusted internal networks only.
type TCPDialer struct {
	// Timeout bounds the connect itself; zero means no timeout beyond
	// ctx's own deadline.
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", address, err)
	}
	return conn, nil
}

// TLSDialer wraps a TCPDialer's connection in TLS; ServerName defaults to
// the dialed host if left empty.
type TLSDialer struct {
	TCP    TCPDialer
	Config *tls.Config
}

func (d TLSDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	raw, err := d.TCP.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	cfg := d.Config
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err == nil {
			cfg = cfg.Clone()
			cfg.ServerName = host
		}
	}
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("transport: tls handshake with %s: %w", address, err)
	}
	return tlsConn, nil
}
