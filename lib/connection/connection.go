// Package connection implements the Connection (C6): ownership of one
// transport, the channel-id-to-Channel map multiplexed over it, and the
// control-protocol handshake that brings a connection up before any
// application channel can open.
package connection

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/calmh/cachewire/lib/channel"
	"github.com/calmh/cachewire/lib/gate"
	"github.com/calmh/cachewire/lib/metrics"
	"github.com/calmh/cachewire/lib/protoerr"
	"github.com/calmh/cachewire/lib/protocol"
)

// outboundFrame is one queued write: a message already encoded to its POF
// body, addressed to a channel, waiting for the connection's single writer
// goroutine to frame and write it to the transport. done carries back the
// write's result to whichever goroutine is blocked in WriteMessage.
type outboundFrame struct {
	channelID  uint32
	body       []byte
	compressed bool
	done       chan error
}

// Transport is the byte-oriented, full-duplex, reliable, ordered
// collaborator a Connection multiplexes over.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Identity is the local side's handshake identity, sent in OpenConnection.
type Identity struct {
	ClientName    string
	ClientVersion string

	// SharedSecret, when non-empty, is sent as the OpenConnection
	// credential for the peer's onOpen callback to verify with
	// VerifyCredential against a bcrypt hash it has stored (see
	// HashCredential). Never logged or compared with plain equality.
	SharedSecret string
}

// Connection owns one Transport and the set of Channels multiplexed over
// it. Channel 0, the control channel, is created eagerly when the
// connection opens and is never exposed to Close independently of the
// connection itself.
type Connection struct {
	transport Transport
	registry  *protocol.Registry
	control   *protocol.Protocol

	gate     *gate.Gate
	channels *xsync.MapOf[uint32, *channel.Channel]
	nextID   atomic.Uint32

	// outbox and the writeLoop goroutine it feeds are the connection's sole
	// path to the transport's write half: every WriteMessage call, whatever
	// goroutine makes it (an application Send/Request, a handler's reply, a
	// Close notification), enqueues here instead of writing directly, so
	// concurrent callers never interleave writes on the wire.
	outbox       chan *outboundFrame
	quit         chan struct{}
	writerExited chan struct{}

	compress atomic.Bool
	peerName atomic.Pointer[string]

	onUnsolicited func(ch *channel.Channel, msg protocol.Message)
	onLookup      func(name string, cookie []byte) (address string, nextCookie []byte, hasMore bool, err error)
}

// New creates a Connection over transport. reg supplies the named
// application protocols a peer may negotiate a channel against; it must
// also contain the control protocol under protocol.ControlProtocolName.
func New(transport Transport, reg *protocol.Registry) (*Connection, error) {
	control, err := reg.Get(protocol.ControlProtocolName)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		transport:    transport,
		registry:     reg,
		control:      control,
		gate:         gate.New(),
		channels:     xsync.NewMapOf[uint32, *channel.Channel](),
		outbox:       make(chan *outboundFrame, 256),
		quit:         make(chan struct{}),
		writerExited: make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// writeLoop is the connection's single writer: it is the only goroutine
// that ever calls protocol.WriteFrame against c.transport, draining outbox
// one frame at a time until quit is closed by Close. Every other goroutine
// reaches the transport's write half only indirectly, through WriteMessage
// enqueuing here.
func (c *Connection) writeLoop() {
	defer close(c.writerExited)
	for {
		select {
		case frame := <-c.outbox:
			err := protocol.WriteFrame(c.transport, frame.channelID, frame.body, frame.compressed)
			if err == nil {
				metrics.FramesSent.WithLabelValues(boolLabel(frame.compressed)).Inc()
			}
			frame.done <- err
		case <-c.quit:
			return
		}
	}
}

// WriteMessage implements channel.Sender: it encodes msg and enqueues it,
// addressed to its bound channel, for writeLoop to frame and write to the
// transport, then waits for that write's result. Enqueuing rather than
// writing directly here is what keeps writeLoop the transport's sole
// writer no matter how many goroutines call WriteMessage concurrently.
func (c *Connection) WriteMessage(msg protocol.Message) error {
	body, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	ch := msg.Channel()
	if ch == nil {
		return fmt.Errorf("connection: %w: message not bound to a channel", protoerr.ErrIllegalState)
	}
	frame := &outboundFrame{
		channelID:  ch.ID(),
		body:       body,
		compressed: c.compress.Load(),
		done:       make(chan error, 1),
	}
	select {
	case c.outbox <- frame:
	case <-c.writerExited:
		return fmt.Errorf("connection: %w: writer stopped", protoerr.ErrConnectionClosed)
	}
	select {
	case err := <-frame.done:
		return err
	case <-c.writerExited:
		return fmt.Errorf("connection: %w: writer stopped", protoerr.ErrConnectionClosed)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// HashCredential bcrypt-hashes a pre-shared secret for storage on the
// accepting side; compare an incoming Identity.SharedSecret against the
// stored result with VerifyCredential, never with plain string equality.
func HashCredential(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("connection: hashing credential: %w", err)
	}
	return string(hash), nil
}

// VerifyCredential reports whether secret matches the bcrypt hash produced
// by an earlier HashCredential call.
func VerifyCredential(hash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return fmt.Errorf("connection: %w: credential mismatch", protoerr.ErrUnauthorized)
	}
	return nil
}

// Open performs the client side of the control handshake: it creates
// channel 0, sends OpenConnection, and installs the negotiated compression
// setting from the peer's AcceptConnection.
func (c *Connection) Open(ctx context.Context, id Identity, requestCompress bool) error {
	factory, err := c.control.FactoryForVersion(c.control.SupportedVersion)
	if err != nil {
		return err
	}
	ch0 := channel.New(0, c, factory, &controlReceiver{conn: c})
	ch0.SetProtocolName(protocol.ControlProtocolName)
	c.channels.Store(0, ch0)

	req := &protocol.OpenConnectionMessage{
		Base:           protocol.NewBase(protocol.TypeOpenConnection, factory.Version()),
		ClientName:     id.ClientName,
		ClientVersion:  id.ClientVersion,
		CompressFrames: requestCompress,
		Credential:     id.SharedSecret,
	}
	resp, err := ch0.Request(ctx, req, -1)
	if err != nil {
		return err
	}
	accept, ok := resp.(*protocol.AcceptConnectionMessage)
	if !ok {
		return fmt.Errorf("connection: %w: unexpected response type to OpenConnection", protoerr.ErrInvalidEncoding)
	}
	name := accept.ServerName
	c.peerName.Store(&name)
	c.compress.Store(requestCompress && accept.CompressFrames)
	return nil
}

// Accept performs the server side of the control handshake: it installs
// channel 0 and blocks until an OpenConnection request arrives, answering
// it with AcceptConnection. onOpen, if non-nil, may inspect the peer's
// declared identity and veto the connection by returning an error, which
// is reported to the peer as a failure AcceptConnection.
func (c *Connection) Accept(ctx context.Context, serverName string, onOpen func(Identity) error) error {
	factory, err := c.control.FactoryForVersion(c.control.SupportedVersion)
	if err != nil {
		return err
	}
	accepted := make(chan error, 1)
	ch0 := channel.New(0, c, factory, &controlReceiver{conn: c, serverName: serverName, onOpen: onOpen, accepted: accepted})
	ch0.SetProtocolName(protocol.ControlProtocolName)
	c.channels.Store(0, ch0)

	select {
	case err := <-accepted:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenChannel negotiates a new application channel against protocolName,
// proposing our supported/current version range, and returns it once the
// peer has allocated an id and a negotiated version for it.
func (c *Connection) OpenChannel(ctx context.Context, protocolName string, timeout time.Duration) (*channel.Channel, error) {
	p, err := c.registry.Get(protocolName)
	if err != nil {
		return nil, err
	}
	ch0, ok := c.channels.Load(0)
	if !ok {
		return nil, fmt.Errorf("connection: %w: not open", protoerr.ErrIllegalState)
	}

	req := &protocol.OpenChannelMessage{
		Base:             protocol.NewBase(protocol.TypeOpenChannel, ch0.Factory().Version()),
		ProtocolName:     protocolName,
		SupportedVersion: p.SupportedVersion,
		CurrentVersion:   p.CurrentVersion,
	}
	resp, err := ch0.Request(ctx, req, timeout)
	if err != nil {
		return nil, err
	}
	accept, ok := resp.(*protocol.AcceptChannelMessage)
	if !ok {
		return nil, fmt.Errorf("connection: %w: unexpected response type to OpenChannel", protoerr.ErrInvalidEncoding)
	}

	factory, err := p.FactoryForVersion(accept.NegotiatedVersion)
	if err != nil {
		return nil, err
	}
	ch := channel.New(accept.ChannelID, c, factory, nil)
	ch.SetProtocolName(protocolName)
	c.channels.Store(accept.ChannelID, ch)
	metrics.ChannelsOpened.WithLabelValues(protocolName).Inc()
	return ch, nil
}

// SetLookupHandler installs the callback that resolves an incoming
// LookupRequest: given a name and the cookie from the client's previous
// page (nil on the first request for that name), it returns the next
// address, a cookie for the page after that, and whether one exists. A
// connection with no lookup handler installed fails every LookupRequest
// with ErrIllegalState.
func (c *Connection) SetLookupHandler(f func(name string, cookie []byte) (address string, nextCookie []byte, hasMore bool, err error)) {
	c.onLookup = f
}

// Lookup resolves name via the peer's lookup handler, returning the first
// page of results. If the returned response's Cookie is present, more
// addresses remain; pass the same request and that cookie to
// LookupContinue to fetch the next page.
func (c *Connection) Lookup(ctx context.Context, name string, timeout time.Duration) (*protocol.LookupRequestMessage, *protocol.LookupResponseMessage, error) {
	ch0, ok := c.channels.Load(0)
	if !ok {
		return nil, nil, fmt.Errorf("connection: %w: not open", protoerr.ErrIllegalState)
	}
	req := &protocol.LookupRequestMessage{
		Base: protocol.NewBase(protocol.TypeLookupRequest, ch0.Factory().Version()),
		Name: name,
	}
	resp, err := ch0.Request(ctx, req, timeout)
	if err != nil {
		return nil, nil, err
	}
	lookup, ok := resp.(*protocol.LookupResponseMessage)
	if !ok {
		return nil, nil, fmt.Errorf("connection: %w: unexpected response type to LookupRequest", protoerr.ErrInvalidEncoding)
	}
	return req, lookup, nil
}

// LookupContinue resends req (as returned by an earlier Lookup or
// LookupContinue call) carrying cookie, reusing req's existing request id
// to fetch the next page of results rather than minting a new one.
func (c *Connection) LookupContinue(ctx context.Context, req *protocol.LookupRequestMessage, cookie []byte, timeout time.Duration) (*protocol.LookupResponseMessage, error) {
	ch0, ok := c.channels.Load(0)
	if !ok {
		return nil, fmt.Errorf("connection: %w: not open", protoerr.ErrIllegalState)
	}
	req.Cookie = cookie
	resp, err := ch0.Resend(ctx, req, timeout)
	if err != nil {
		return nil, err
	}
	lookup, ok := resp.(*protocol.LookupResponseMessage)
	if !ok {
		return nil, fmt.Errorf("connection: %w: unexpected response type to LookupRequest", protoerr.ErrInvalidEncoding)
	}
	return lookup, nil
}

// SetUnsolicitedHandler installs the callback invoked for unsolicited
// messages on channel 0 other than the close notifications, which channel
// 0's control receiver handles itself. It is not called for any other
// channel: channels opened via OpenChannel have no Receiver, so they run
// unsolicited messages that implement protocol.Runnable and drop the rest.
func (c *Connection) SetUnsolicitedHandler(f func(ch *channel.Channel, msg protocol.Message)) {
	c.onUnsolicited = f
}

// Channel returns the channel registered under id, if any.
func (c *Connection) Channel(id uint32) (*channel.Channel, bool) {
	return c.channels.Load(id)
}

// Channels returns a point-in-time snapshot of every channel currently
// registered, including channel 0.
func (c *Connection) Channels() []*channel.Channel {
	var all []*channel.Channel
	c.channels.Range(func(_ uint32, ch *channel.Channel) bool {
		all = append(all, ch)
		return true
	})
	return all
}

// PeerName returns the identity the remote side presented during the
// control handshake, or "" before the handshake completes.
func (c *Connection) PeerName() string {
	if p := c.peerName.Load(); p != nil {
		return *p
	}
	return ""
}

// ReadAndDispatch reads exactly one frame from the transport, decodes its
// POF body using the factory negotiated by the frame's addressed channel,
// and posts the resulting message to that channel. It is the Peer's read
// loop's sole entry point into the connection; a decoding error on channel
// 0 is fatal to the whole connection, while one on any other channel is
// fatal only to that channel, per the propagation policy in §7.
func (c *Connection) ReadAndDispatch() error {
	channelID, body, compressed, err := protocol.ReadFrame(c.transport)
	if err != nil {
		return err
	}
	metrics.FramesReceived.WithLabelValues(boolLabel(compressed)).Inc()
	ch, ok := c.channels.Load(channelID)
	if !ok {
		return fmt.Errorf("connection: %w: frame for unknown channel %d", protoerr.ErrInvalidEncoding, channelID)
	}
	msg, err := protocol.DecodeMessage(ch.Factory(), body)
	if err != nil {
		if channelID == 0 {
			_ = c.Close(err)
		} else {
			_ = ch.Close(err)
		}
		return err
	}
	if err := ch.Post(msg); err != nil {
		if channelID == 0 {
			_ = c.Close(err)
		} else {
			_ = ch.Close(err)
		}
		return err
	}
	return nil
}

// allocateChannelID hands out ids for channels the peer asked us to open on
// its behalf (we are answering an OpenChannel); 0 is reserved for control.
func (c *Connection) allocateChannelID() uint32 {
	return c.nextID.Add(1)
}

// Close closes every channel (in ascending id order, per §5's ordering
// requirement so a deterministic observer always sees channel 0 close
// last) with reason, notifies the peer with NotifyConnectionClosed, then
// closes the transport. Close is idempotent.
func (c *Connection) Close(reason error) error {
	if reason == nil {
		reason = protoerr.ErrConnectionClosed
	}

	ticket, gateErr := c.gate.Enter()
	if gateErr != nil {
		// Already closing or closed elsewhere; nothing more to do.
		return nil
	}
	c.gate.CloseFrom(ticket, reason)

	var ids []uint32
	c.channels.Range(func(id uint32, _ *channel.Channel) bool {
		if id != 0 {
			ids = append(ids, id)
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if ch, ok := c.channels.Load(id); ok {
			_ = ch.Close(reason)
			c.channels.Delete(id)
		}
	}

	if ch0, ok := c.channels.Load(0); ok {
		notify := &protocol.NotifyConnectionClosedMessage{
			Base:   protocol.NewBase(protocol.TypeNotifyConnectionClosed, ch0.Factory().Version()),
			Reason: reason.Error(),
		}
		_ = notify.BindChannel(ch0)
		_ = c.WriteMessage(notify)
		c.channels.Delete(0)
	}

	close(c.quit)
	return c.transport.Close()
}

// controlReceiver implements channel.Receiver for channel 0: it answers
// OpenChannel requests by allocating a channel id and negotiating a
// version, answers Ping, and reacts to close notifications.
type controlReceiver struct {
	conn       *Connection
	serverName string
	onOpen     func(Identity) error
	accepted   chan error
}

func (r *controlReceiver) HandleRequest(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	switch m := req.(type) {
	case *protocol.OpenConnectionMessage:
		return r.handleOpenConnection(m)
	case *protocol.OpenChannelMessage:
		return r.handleOpenChannel(m)
	case *protocol.PingRequestMessage:
		return &protocol.PingResponseMessage{Base: protocol.NewBase(protocol.TypePingResponse, m.ImplVersion())}, nil
	case *protocol.LookupRequestMessage:
		return r.handleLookup(m)
	default:
		return nil, fmt.Errorf("connection: %w: unexpected request type on channel 0", protoerr.ErrIllegalState)
	}
}

func (r *controlReceiver) handleOpenConnection(m *protocol.OpenConnectionMessage) (protocol.Message, error) {
	var failErr error
	if r.onOpen != nil {
		failErr = r.onOpen(Identity{ClientName: m.ClientName, ClientVersion: m.ClientVersion, SharedSecret: m.Credential})
	}
	resp := &protocol.AcceptConnectionMessage{
		Base:       protocol.NewBase(protocol.TypeAcceptConnection, m.ImplVersion()),
		ServerName: r.serverName,
	}
	if failErr != nil {
		resp.SetResult(failErr.Error(), true)
	} else {
		name := m.ClientName
		r.conn.peerName.Store(&name)
		r.conn.compress.Store(m.CompressFrames)
		resp.CompressFrames = m.CompressFrames
	}
	if r.accepted != nil {
		r.accepted <- failErr
	}
	return resp, nil
}

func (r *controlReceiver) handleOpenChannel(m *protocol.OpenChannelMessage) (protocol.Message, error) {
	resp := &protocol.AcceptChannelMessage{Base: protocol.NewBase(protocol.TypeAcceptChannel, m.ImplVersion())}

	p, err := r.conn.registry.Get(m.ProtocolName)
	if err != nil {
		resp.SetResult(err.Error(), true)
		return resp, nil
	}
	version, err := p.Negotiate(m.SupportedVersion, m.CurrentVersion)
	if err != nil {
		resp.SetResult(err.Error(), true)
		return resp, nil
	}
	factory, err := p.FactoryForVersion(version)
	if err != nil {
		resp.SetResult(err.Error(), true)
		return resp, nil
	}

	id := r.conn.allocateChannelID()
	ch := channel.New(id, r.conn, factory, nil)
	ch.SetProtocolName(m.ProtocolName)
	r.conn.channels.Store(id, ch)
	metrics.ChannelsOpened.WithLabelValues(m.ProtocolName).Inc()

	resp.ChannelID = id
	resp.NegotiatedVersion = version
	return resp, nil
}

func (r *controlReceiver) handleLookup(m *protocol.LookupRequestMessage) (protocol.Message, error) {
	resp := &protocol.LookupResponseMessage{Base: protocol.NewBase(protocol.TypeLookupResponse, m.ImplVersion())}
	if r.conn.onLookup == nil {
		resp.SetResult(protoerr.ErrIllegalState.Error(), true)
		return resp, nil
	}
	address, nextCookie, hasMore, err := r.conn.onLookup(m.Name, m.Cookie)
	if err != nil {
		resp.SetResult(err.Error(), true)
		return resp, nil
	}
	resp.Address = address
	if hasMore {
		resp.SetCookie(nextCookie)
	}
	return resp, nil
}

func (r *controlReceiver) HandleUnsolicited(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.NotifyChannelClosedMessage:
		r.conn.channels.Delete(m.ChannelID)
	case *protocol.NotifyConnectionClosedMessage:
		go r.conn.Close(protoerr.ErrConnectionClosed)
	default:
		if r.conn.onUnsolicited != nil {
			if ch0, ok := r.conn.channels.Load(0); ok {
				r.conn.onUnsolicited(ch0, msg)
			}
		}
	}
}
