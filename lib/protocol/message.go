// Package protocol implements message framing (C3) and protocol/version
// negotiation (C4): the length-prefixed wire frame carrying a POF user-type
// body, the dense-by-typeId MessageFactory, and the Protocol registry that
// negotiates a shared version and memoizes the factory for it.
//
// Message kinds are modeled as tagged variants (Request, Response,
// PartialResponse, Unsolicited) rather than a class hierarchy: classification
// is a property of the concrete Go type, never a runtime flag.
package protocol

import "fmt"

// Kind classifies a message type. It is fixed per concrete type, never set
// at runtime.
type Kind int

const (
	KindUnsolicited Kind = iota
	KindRequest
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unsolicited"
	}
}

// ChannelRef is the slice of Channel that a Message needs to bind to: an
// id for diagnostics and a way to post itself. Defined here (rather than
// importing package channel) to avoid a dependency cycle, since channel
// imports protocol for Message and Factory.
type ChannelRef interface {
	ID() uint32
	Post(Message) error
}

// Message is the capability set every message type implements:
// {serialize, run, isRequest, isResponse} from the REDESIGN FLAGS, plus the
// channel-binding and future-data-preservation fields common to every
// evolvable record.
type Message interface {
	TypeID() int32
	DataVersion() int32
	SetDataVersion(int32)
	ImplVersion() int32
	FutureData() []byte
	SetFutureData([]byte)
	Kind() Kind

	// Channel returns the channel this message is bound to, or nil if
	// unbound.
	Channel() ChannelRef
	// BindChannel binds the message to ch. Binding is immutable after the
	// first successful call; a second call (to a different channel) fails.
	BindChannel(ch ChannelRef) error

	EncodeProperties(pw *PropertyWriter) error
	DecodeProperties(pr *PropertyReader) error
}

// Base implements the channel-binding, future-data and kind bookkeeping
// shared by every message type. Concrete message types embed Base and
// implement TypeID, Kind, EncodeProperties and DecodeProperties themselves.
type Base struct {
	typeID      int32
	implVersion int32
	dataVersion int32
	futureData  []byte
	channel     ChannelRef
}

// NewBase constructs the embeddable state for a message of the given
// typeId, created by a factory negotiated at implVersion.
func NewBase(typeID, implVersion int32) Base {
	return Base{typeID: typeID, implVersion: implVersion, dataVersion: implVersion}
}

func (b *Base) TypeID() int32          { return b.typeID }
func (b *Base) ImplVersion() int32     { return b.implVersion }
func (b *Base) DataVersion() int32     { return b.dataVersion }
func (b *Base) SetDataVersion(v int32) { b.dataVersion = v }
func (b *Base) FutureData() []byte     { return b.futureData }
func (b *Base) SetFutureData(d []byte) { b.futureData = d }
func (b *Base) Channel() ChannelRef    { return b.channel }

// BindChannel binds the message to ch exactly once. Rebinding to the same
// channel is a no-op; rebinding to a different channel is an error.
func (b *Base) BindChannel(ch ChannelRef) error {
	if b.channel == nil {
		b.channel = ch
		return nil
	}
	if b.channel == ch {
		return nil
	}
	return fmt.Errorf("protocol: message already bound to channel %d", b.channel.ID())
}

// Requester is implemented by messages classified as requests.
type Requester interface {
	Message
	RequestID() int64
	SetRequestID(int64)
}

// Responder is implemented by messages classified as responses.
type Responder interface {
	Message
	RequestID() int64
	SetRequestID(int64)
	IsFailure() bool
	SetResult(result any, isFailure bool)
	Result() any
}

// CookieCarrier is implemented by partial responses: a non-absent cookie
// means more results remain and the same request id may be re-sent.
type CookieCarrier interface {
	Responder
	Cookie() ([]byte, bool)
	SetCookie(cookie []byte)
}

// Runnable is implemented by unsolicited messages that know how to execute
// themselves when a channel has no dedicated receiver.
type Runnable interface {
	Message
	Run() error
}
