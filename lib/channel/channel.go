// Package channel implements the multiplexed logical channel (C5): a
// single negotiated application protocol riding a shared Connection,
// correlating its own requests independently of every other channel on
// that connection.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calmh/cachewire/lib/gate"
	"github.com/calmh/cachewire/lib/metrics"
	"github.com/calmh/cachewire/lib/protoerr"
	"github.com/calmh/cachewire/lib/protocol"
	"github.com/calmh/cachewire/lib/reqstatus"
)

// Sender is the slice of Connection a Channel needs: write one message out
// on the wire, attributed to this channel. Defined here rather than
// importing package connection to avoid a dependency cycle (connection
// imports channel to create and hold Channels).
type Sender interface {
	WriteMessage(msg protocol.Message) error
}

// Receiver handles messages addressed to a channel that were not
// correlated to an outstanding local request: incoming requests (which
// must produce a response) and unsolicited messages (which must not).
// A channel with a nil Receiver calls Run on unsolicited messages that
// implement protocol.Runnable (Post returns Run's error), silently drops
// any other unsolicited message, and fails incoming requests with
// ErrIllegalState.
type Receiver interface {
	HandleRequest(ctx context.Context, req protocol.Message) (protocol.Message, error)
	HandleUnsolicited(ctx context.Context, msg protocol.Message)
}

// DefaultRequestTimeout is used by Request and Resend when the caller
// supplies a negative timeout.
const DefaultRequestTimeout = 30 * time.Second

// Channel is one multiplexed, independently-closable stream of messages
// for a single negotiated application protocol.
type Channel struct {
	id           uint32
	protocolName string
	conn         Sender
	factory      *protocol.Factory
	receiver     Receiver

	gate     *gate.Gate
	requests *reqstatus.Registry

	attrMu sync.RWMutex
	attrs  map[string]any

	receiverMu sync.RWMutex
	closeOnce  sync.Once
}

// New creates a Channel bound to id, sending frames via conn and routing
// requests and unsolicited messages it did not itself originate to
// receiver. factory is the MessageFactory for the protocol version this
// channel negotiated.
func New(id uint32, conn Sender, factory *protocol.Factory, receiver Receiver) *Channel {
	return &Channel{
		id:       id,
		conn:     conn,
		factory:  factory,
		receiver: receiver,
		gate:     gate.New(),
		requests: reqstatus.NewRegistry(),
		attrs:    make(map[string]any),
	}
}

// ID is the channel's numeric identity; 0 is reserved for the connection's
// control channel and may not be closed by application code.
func (c *Channel) ID() uint32 { return c.id }

// SetProtocolName records the name of the application protocol this
// channel negotiated, used only to label metrics. The connection sets this
// once, right after constructing the channel.
func (c *Channel) SetProtocolName(name string) { c.protocolName = name }

func (c *Channel) metricLabel() string {
	if c.protocolName == "" {
		return "unknown"
	}
	return c.protocolName
}

// Factory returns the channel's negotiated MessageFactory, used to
// construct messages of any type it registers.
func (c *Channel) Factory() *protocol.Factory { return c.factory }

// CreateMessage instantiates a new message of typeId via the channel's
// factory and binds it to this channel.
func (c *Channel) CreateMessage(typeID int32) (protocol.Message, error) {
	msg, err := c.factory.Create(typeID)
	if err != nil {
		return nil, err
	}
	if err := msg.BindChannel(c); err != nil {
		return nil, err
	}
	return msg, nil
}

// Post delivers msg, received off the wire for this channel, to whichever
// of response-correlation, the request receiver, or the unsolicited
// receiver applies. It implements protocol.ChannelRef so the connection's
// dispatcher can address a Channel generically without importing this
// package.
func (c *Channel) Post(msg protocol.Message) error {
	if err := msg.BindChannel(c); err != nil {
		return err
	}

	switch m := msg.(type) {
	case protocol.Responder:
		status, ok := c.requests.Lookup(m.RequestID())
		if !ok {
			// A response with no matching request is not an error worth
			// failing the channel over: the request may have already timed
			// out and been forgotten.
			return nil
		}

		if cc, isCookieCarrier := m.(protocol.CookieCarrier); isCookieCarrier && !m.IsFailure() {
			if _, hasCookie := cc.Cookie(); hasCookie {
				// A partial response: more results remain and the caller is
				// expected to resend the same request id, so leave it
				// registered instead of forgetting it.
				status.Complete(msg)
				return nil
			}
		}

		c.requests.Forget(m.RequestID())
		if m.IsFailure() {
			status.Cancel(protoerr.NewRemoteError(m.Result()))
		} else {
			status.Complete(msg)
		}
		return nil

	case protocol.Requester:
		return c.handleIncomingRequest(m)

	default:
		return c.handleUnsolicited(msg)
	}
}

func (c *Channel) handleIncomingRequest(req protocol.Requester) error {
	c.receiverMu.RLock()
	receiver := c.receiver
	c.receiverMu.RUnlock()
	if receiver == nil {
		return fmt.Errorf("channel %d: %w: no receiver installed for incoming request", c.id, protoerr.ErrIllegalState)
	}
	ticket, err := c.gate.Enter()
	if err != nil {
		return err
	}
	defer ticket.Exit()

	ctx := reqstatus.MarkServiceGoroutine(context.Background())
	resp, herr := receiver.HandleRequest(ctx, req)
	if herr != nil {
		return herr
	}
	if resp == nil {
		return nil
	}
	responder, ok := resp.(protocol.Responder)
	if !ok {
		return fmt.Errorf("channel %d: %w: handler response is not a Responder", c.id, protoerr.ErrIllegalState)
	}
	responder.SetRequestID(req.RequestID())
	return c.Send(resp)
}

func (c *Channel) handleUnsolicited(msg protocol.Message) error {
	c.receiverMu.RLock()
	receiver := c.receiver
	c.receiverMu.RUnlock()
	if receiver == nil {
		if r, ok := msg.(protocol.Runnable); ok {
			return r.Run()
		}
		return nil
	}
	ticket, err := c.gate.Enter()
	if err != nil {
		return nil
	}
	defer ticket.Exit()
	receiver.HandleUnsolicited(reqstatus.MarkServiceGoroutine(context.Background()), msg)
	return nil
}

// Send writes msg to the wire on this channel without waiting for a
// response: the fire-and-forget path used for unsolicited messages and for
// sending a handler's computed response.
func (c *Channel) Send(msg protocol.Message) error {
	if err := msg.BindChannel(c); err != nil {
		return err
	}
	ticket, err := c.gate.Enter()
	if err != nil {
		return err
	}
	defer ticket.Exit()
	return c.conn.WriteMessage(msg)
}

// Request sends req and blocks until a correlated response arrives, ctx is
// done, or timeout elapses, whichever comes first. A zero timeout means
// wait forever; a negative timeout uses DefaultRequestTimeout. Request sets
// no timer of its own: an elapsed deadline takes effect when ScanTimeouts
// runs (the Peer's timeout scanner calls it periodically). A response
// with IsFailure set is returned as a *protoerr.RemoteError rather than a
// message. Request fails with ErrIllegalState if ctx is marked as running
// on the peer's own service goroutine: that goroutine is also the one that
// must read the wire to deliver the very response being waited for, so
// blocking it here would deadlock the connection.
func (c *Channel) Request(ctx context.Context, req protocol.Requester, timeout time.Duration) (protocol.Message, error) {
	if reqstatus.IsServiceGoroutine(ctx) {
		return nil, fmt.Errorf("channel %d: %w: Request called from the service goroutine", c.id, protoerr.ErrIllegalState)
	}
	if timeout < 0 {
		timeout = DefaultRequestTimeout
	}
	if err := req.BindChannel(c); err != nil {
		return nil, err
	}

	ticket, err := c.gate.Enter()
	if err != nil {
		return nil, err
	}

	status, err := c.requests.Begin(c.id, timeout)
	if err != nil {
		ticket.Exit()
		return nil, err
	}
	req.SetRequestID(status.RequestID())

	if err := c.conn.WriteMessage(req); err != nil {
		c.requests.Forget(status.RequestID())
		status.Cancel(err)
		ticket.Exit()
		return nil, err
	}
	ticket.Exit()

	start := time.Now()
	resp, err := status.Wait(ctx)
	metrics.RequestDuration.WithLabelValues(c.metricLabel(), requestOutcome(resp, err)).Observe(time.Since(start).Seconds())
	if err != nil {
		c.requests.Forget(status.RequestID())
		return nil, err
	}
	msg, _ := resp.(protocol.Message)
	return msg, nil
}

// Resend re-sends req, reusing the request id it already carries from an
// earlier Request or Resend call rather than minting a new one, and waits
// for the next correlated response exactly as Request does. This is how a
// cookie-bearing partial response is continued: set the request's cookie
// field to the prior response's cookie, then call Resend so the server
// sees the same request id it is already tracking.
func (c *Channel) Resend(ctx context.Context, req protocol.Requester, timeout time.Duration) (protocol.Message, error) {
	if reqstatus.IsServiceGoroutine(ctx) {
		return nil, fmt.Errorf("channel %d: %w: Resend called from the service goroutine", c.id, protoerr.ErrIllegalState)
	}
	if timeout < 0 {
		timeout = DefaultRequestTimeout
	}
	if req.RequestID() == 0 {
		return nil, fmt.Errorf("channel %d: %w: Resend requires a request id from a prior Request", c.id, protoerr.ErrIllegalState)
	}

	ticket, err := c.gate.Enter()
	if err != nil {
		return nil, err
	}

	status, err := c.requests.Continue(req.RequestID(), timeout)
	if err != nil {
		ticket.Exit()
		return nil, err
	}

	if err := c.conn.WriteMessage(req); err != nil {
		c.requests.Forget(status.RequestID())
		status.Cancel(err)
		ticket.Exit()
		return nil, err
	}
	ticket.Exit()

	start := time.Now()
	resp, err := status.Wait(ctx)
	metrics.RequestDuration.WithLabelValues(c.metricLabel(), requestOutcome(resp, err)).Observe(time.Since(start).Seconds())
	if err != nil {
		c.requests.Forget(status.RequestID())
		return nil, err
	}
	msg, _ := resp.(protocol.Message)
	return msg, nil
}

func requestOutcome(resp any, err error) string {
	switch {
	case err == nil:
		if responder, ok := resp.(protocol.Responder); ok && responder.IsFailure() {
			return "failure"
		}
		return "ok"
	case errors.Is(err, protoerr.ErrTimeout):
		return "timeout"
	default:
		return "cancelled"
	}
}

// GetRequest returns the Status tracking requestId, if it is still
// outstanding on this channel.
func (c *Channel) GetRequest(requestID int64) (*reqstatus.Status, bool) {
	return c.requests.Lookup(requestID)
}

// ScanTimeouts completes and removes every request registered on this
// channel whose deadline has passed as of now, returning how many were
// timed out. The Peer's timeout-scanner goroutine calls this once per tick
// for every channel on the connection.
func (c *Channel) ScanTimeouts(now time.Time) int {
	n := c.requests.ScanTimeouts(now)
	if n > 0 {
		metrics.RequestsTimedOut.WithLabelValues(c.metricLabel()).Add(float64(n))
	}
	return n
}

// Attr returns the named attribute and whether it was set. Attributes are
// an arbitrary, thread-safe per-channel key/value store for application
// use (e.g. caching a negotiated capability set), never interpreted by the
// channel itself.
func (c *Channel) Attr(key string) (any, bool) {
	c.attrMu.RLock()
	defer c.attrMu.RUnlock()
	v, ok := c.attrs[key]
	return v, ok
}

// SetAttr sets the named attribute.
func (c *Channel) SetAttr(key string, value any) {
	c.attrMu.Lock()
	defer c.attrMu.Unlock()
	c.attrs[key] = value
}

// RemoveAttr removes the named attribute, if present.
func (c *Channel) RemoveAttr(key string) {
	c.attrMu.Lock()
	defer c.attrMu.Unlock()
	delete(c.attrs, key)
}

// Close closes the channel: (1) mark it closed to new Enters, (2) wait for
// in-flight Send/Request/handler calls to leave, (3) cancel every
// outstanding request on this channel with ErrChannelClosed, (4) notify the
// peer with NotifyChannelClosed so it releases its own side, and (5) drop
// the receiver so no further handler calls can be dispatched to it. Close
// is idempotent; every call after the first is a no-op. Channel 0, the
// control channel, cannot be closed independently of the connection.
func (c *Channel) Close(reason error) error {
	if c.id == 0 {
		return fmt.Errorf("channel 0: %w: control channel closes only with its connection", protoerr.ErrIllegalState)
	}
	if reason == nil {
		reason = protoerr.ErrChannelClosed
	}

	var notifyErr error
	c.closeOnce.Do(func() {
		c.gate.Close(reason)
		c.requests.CancelAll(reason)

		notify := &protocol.NotifyChannelClosedMessage{
			Base:      protocol.NewBase(protocol.TypeNotifyChannelClosed, c.factory.Version()),
			ChannelID: c.id,
			Reason:    reason.Error(),
		}
		_ = notify.BindChannel(c)
		notifyErr = c.conn.WriteMessage(notify)

		c.receiverMu.Lock()
		c.receiver = nil
		c.receiverMu.Unlock()
	})
	return notifyErr
}
