package protocol

// Control message type ids, dense on the control protocol's factory.
const (
	TypeOpenConnection int32 = iota
	TypeAcceptConnection
	TypeOpenChannel
	TypeAcceptChannel
	TypeNotifyChannelClosed
	TypeNotifyConnectionClosed
	TypePingRequest
	TypePingResponse
	TypeLookupRequest
	TypeLookupResponse
)

// NewControlProtocol builds the Protocol spoken on channel 0: identity
// exchange, channel lifecycle, heartbeats and name-service lookups.
func NewControlProtocol(supported, current int32) (*Protocol, error) {
	return NewProtocol(ControlProtocolName, supported, current, func(version int32) (*Factory, error) {
		f := NewFactory(version)
		regs := []struct {
			id   int32
			ctor Constructor
		}{
			{TypeOpenConnection, func() Message { return &OpenConnectionMessage{Base: NewBase(TypeOpenConnection, version)} }},
			{TypeAcceptConnection, func() Message { return &AcceptConnectionMessage{Base: NewBase(TypeAcceptConnection, version)} }},
			{TypeOpenChannel, func() Message { return &OpenChannelMessage{Base: NewBase(TypeOpenChannel, version)} }},
			{TypeAcceptChannel, func() Message { return &AcceptChannelMessage{Base: NewBase(TypeAcceptChannel, version)} }},
			{TypeNotifyChannelClosed, func() Message { return &NotifyChannelClosedMessage{Base: NewBase(TypeNotifyChannelClosed, version)} }},
			{TypeNotifyConnectionClosed, func() Message { return &NotifyConnectionClosedMessage{Base: NewBase(TypeNotifyConnectionClosed, version)} }},
			{TypePingRequest, func() Message { return &PingRequestMessage{Base: NewBase(TypePingRequest, version)} }},
			{TypePingResponse, func() Message { return &PingResponseMessage{Base: NewBase(TypePingResponse, version)} }},
			{TypeLookupRequest, func() Message { return &LookupRequestMessage{Base: NewBase(TypeLookupRequest, version)} }},
			{TypeLookupResponse, func() Message { return &LookupResponseMessage{Base: NewBase(TypeLookupResponse, version)} }},
		}
		for _, reg := range regs {
			if err := f.Register(reg.id, reg.ctor); err != nil {
				return nil, err
			}
		}
		return f, nil
	})
}

// responseBase implements the Responder bookkeeping shared by every
// response-kind control message.
type responseBase struct {
	requestID int64
	isFailure bool
	result    any
}

func (r *responseBase) RequestID() int64             { return r.requestID }
func (r *responseBase) SetRequestID(id int64)        { r.requestID = id }
func (r *responseBase) IsFailure() bool               { return r.isFailure }
func (r *responseBase) Result() any                    { return r.result }
func (r *responseBase) SetResult(result any, fail bool) { r.result, r.isFailure = result, fail }

// OpenConnectionMessage exchanges client identity and the compression
// preference for the connection; it is the first message sent on channel 0.
type OpenConnectionMessage struct {
	Base
	withRequestID
	ClientName    string
	ClientVersion string
	CompressFrames bool

	// Credential is the client's optional pre-shared secret, sent as
	// configured; the accepting side checks it against its stored bcrypt
	// hash. Empty when the client has none configured.
	Credential string
}

func (m *OpenConnectionMessage) Kind() Kind             { return KindRequest }
func (m *OpenConnectionMessage) RequestID() int64       { return m.reqID }
func (m *OpenConnectionMessage) SetRequestID(id int64)  { m.reqID = id }

// withRequestID is embedded by every request-kind message to carry the
// correlation id assigned by the sending channel's request registry.
type withRequestID struct{ reqID int64 }

func (m *OpenConnectionMessage) EncodeProperties(pw *PropertyWriter) error {
	pw.WriteString(0, m.ClientName, false)
	pw.WriteString(1, m.ClientVersion, false)
	pw.WriteBool(2, m.CompressFrames)
	pw.WriteString(3, m.Credential, m.Credential == "")
	return nil
}

func (m *OpenConnectionMessage) DecodeProperties(pr *PropertyReader) error {
	for {
		idx, ok, err := pr.NextIndex()
		if err != nil || !ok {
			return err
		}
		switch idx {
		case 0:
			m.ClientName, _, err = pr.ReadString()
		case 1:
			m.ClientVersion, _, err = pr.ReadString()
		case 2:
			m.CompressFrames, err = pr.ReadBool()
		case 3:
			m.Credential, _, err = pr.ReadString()
		default:
			m.futureData, err = pr.FinishCapturingFutureData()
			return err
		}
		if err != nil {
			return err
		}
	}
}

// AcceptConnectionMessage is OpenConnection's response: the accepting
// side's name plus its compression answer, which echoes the client's
// request; the client compresses only if it asked to and this is set.
type AcceptConnectionMessage struct {
	Base
	responseBase
	ServerName     string
	CompressFrames bool
}

func (m *AcceptConnectionMessage) Kind() Kind { return KindResponse }

func (m *AcceptConnectionMessage) EncodeProperties(pw *PropertyWriter) error {
	pw.WriteInt64(0, m.requestID)
	pw.WriteBool(1, m.isFailure)
	pw.WriteString(2, m.ServerName, false)
	pw.WriteBool(3, m.CompressFrames)
	return nil
}

func (m *AcceptConnectionMessage) DecodeProperties(pr *PropertyReader) error {
	for {
		idx, ok, err := pr.NextIndex()
		if err != nil || !ok {
			return err
		}
		switch idx {
		case 0:
			m.requestID, err = pr.ReadInt64()
		case 1:
			m.isFailure, err = pr.ReadBool()
		case 2:
			m.ServerName, _, err = pr.ReadString()
		case 3:
			m.CompressFrames, err = pr.ReadBool()
		default:
			m.futureData, err = pr.FinishCapturingFutureData()
			return err
		}
		if err != nil {
			return err
		}
	}
}

// OpenChannelMessage requests a new logical channel for the named
// application protocol, proposing this side's supported/current version
// range.
type OpenChannelMessage struct {
	Base
	withRequestID
	ProtocolName     string
	SupportedVersion int32
	CurrentVersion   int32
}

func (m *OpenChannelMessage) Kind() Kind            { return KindRequest }
func (m *OpenChannelMessage) RequestID() int64      { return m.reqID }
func (m *OpenChannelMessage) SetRequestID(id int64) { m.reqID = id }

func (m *OpenChannelMessage) EncodeProperties(pw *PropertyWriter) error {
	pw.WriteString(0, m.ProtocolName, false)
	pw.WriteInt32(1, m.SupportedVersion)
	pw.WriteInt32(2, m.CurrentVersion)
	return nil
}

func (m *OpenChannelMessage) DecodeProperties(pr *PropertyReader) error {
	for {
		idx, ok, err := pr.NextIndex()
		if err != nil || !ok {
			return err
		}
		switch idx {
		case 0:
			m.ProtocolName, _, err = pr.ReadString()
		case 1:
			m.SupportedVersion, err = pr.ReadInt32()
		case 2:
			m.CurrentVersion, err = pr.ReadInt32()
		default:
			m.futureData, err = pr.FinishCapturingFutureData()
			return err
		}
		if err != nil {
			return err
		}
	}
}

// AcceptChannelMessage is OpenChannel's response: the allocated channel id
// and the negotiated protocol version, or a failure if negotiation failed.
type AcceptChannelMessage struct {
	Base
	responseBase
	ChannelID       uint32
	NegotiatedVersion int32
}

func (m *AcceptChannelMessage) Kind() Kind { return KindResponse }

func (m *AcceptChannelMessage) EncodeProperties(pw *PropertyWriter) error {
	pw.WriteInt64(0, m.requestID)
	pw.WriteBool(1, m.isFailure)
	pw.WriteInt32(2, int32(m.ChannelID))
	pw.WriteInt32(3, m.NegotiatedVersion)
	return nil
}

func (m *AcceptChannelMessage) DecodeProperties(pr *PropertyReader) error {
	for {
		idx, ok, err := pr.NextIndex()
		if err != nil || !ok {
			return err
		}
		switch idx {
		case 0:
			m.requestID, err = pr.ReadInt64()
		case 1:
			m.isFailure, err = pr.ReadBool()
		case 2:
			var v int32
			v, err = pr.ReadInt32()
			m.ChannelID = uint32(v)
		case 3:
			m.NegotiatedVersion, err = pr.ReadInt32()
		default:
			m.futureData, err = pr.FinishCapturingFutureData()
			return err
		}
		if err != nil {
			return err
		}
	}
}

// NotifyChannelClosedMessage informs the peer that a channel has closed.
// Unsolicited: fire-and-forget, no response expected.
type NotifyChannelClosedMessage struct {
	Base
	ChannelID uint32
	Reason    string
}

func (m *NotifyChannelClosedMessage) Kind() Kind { return KindUnsolicited }

func (m *NotifyChannelClosedMessage) EncodeProperties(pw *PropertyWriter) error {
	pw.WriteInt32(0, int32(m.ChannelID))
	pw.WriteString(1, m.Reason, m.Reason == "")
	return nil
}

func (m *NotifyChannelClosedMessage) DecodeProperties(pr *PropertyReader) error {
	for {
		idx, ok, err := pr.NextIndex()
		if err != nil || !ok {
			return err
		}
		switch idx {
		case 0:
			var v int32
			v, err = pr.ReadInt32()
			m.ChannelID = uint32(v)
		case 1:
			m.Reason, _, err = pr.ReadString()
		default:
			m.futureData, err = pr.FinishCapturingFutureData()
			return err
		}
		if err != nil {
			return err
		}
	}
}

// NotifyConnectionClosedMessage informs the peer that the whole connection
// is closing.
type NotifyConnectionClosedMessage struct {
	Base
	Reason string
}

func (m *NotifyConnectionClosedMessage) Kind() Kind { return KindUnsolicited }

func (m *NotifyConnectionClosedMessage) EncodeProperties(pw *PropertyWriter) error {
	pw.WriteString(0, m.Reason, m.Reason == "")
	return nil
}

func (m *NotifyConnectionClosedMessage) DecodeProperties(pr *PropertyReader) error {
	for {
		idx, ok, err := pr.NextIndex()
		if err != nil || !ok {
			return err
		}
		switch idx {
		case 0:
			m.Reason, _, err = pr.ReadString()
		default:
			m.futureData, err = pr.FinishCapturingFutureData()
			return err
		}
		if err != nil {
			return err
		}
	}
}

// PingRequestMessage is the heartbeat probe.
type PingRequestMessage struct {
	Base
	withRequestID
}

func (m *PingRequestMessage) Kind() Kind            { return KindRequest }
func (m *PingRequestMessage) RequestID() int64      { return m.reqID }
func (m *PingRequestMessage) SetRequestID(id int64) { m.reqID = id }
func (m *PingRequestMessage) EncodeProperties(_ *PropertyWriter) error { return nil }
func (m *PingRequestMessage) DecodeProperties(pr *PropertyReader) error {
	idx, ok, err := pr.NextIndex()
	if err != nil || !ok {
		return err
	}
	m.futureData, err = pr.FinishCapturingFutureData()
	_ = idx
	return err
}

// PingResponseMessage answers a PingRequestMessage.
type PingResponseMessage struct {
	Base
	responseBase
}

func (m *PingResponseMessage) Kind() Kind { return KindResponse }
func (m *PingResponseMessage) EncodeProperties(pw *PropertyWriter) error {
	pw.WriteInt64(0, m.requestID)
	pw.WriteBool(1, m.isFailure)
	return nil
}
func (m *PingResponseMessage) DecodeProperties(pr *PropertyReader) error {
	for {
		idx, ok, err := pr.NextIndex()
		if err != nil || !ok {
			return err
		}
		switch idx {
		case 0:
			m.requestID, err = pr.ReadInt64()
		case 1:
			m.isFailure, err = pr.ReadBool()
		default:
			m.futureData, err = pr.FinishCapturingFutureData()
			return err
		}
		if err != nil {
			return err
		}
	}
}

// LookupRequestMessage asks the name-service collaborator (external to this
// core) to resolve a string name to a cluster endpoint. cachewire's core
// only frames and correlates this request; resolution itself is
// implemented by whatever lookup handler is installed on the connection.
// Cookie is empty on the first send of a name and set to the previous
// LookupResponseMessage's cookie when resending the same request id to
// fetch the next page of a multi-address name.
type LookupRequestMessage struct {
	Base
	withRequestID
	Name   string
	Cookie []byte
}

func (m *LookupRequestMessage) Kind() Kind            { return KindRequest }
func (m *LookupRequestMessage) RequestID() int64      { return m.reqID }
func (m *LookupRequestMessage) SetRequestID(id int64) { m.reqID = id }

func (m *LookupRequestMessage) EncodeProperties(pw *PropertyWriter) error {
	pw.WriteString(0, m.Name, m.Name == "")
	if len(m.Cookie) > 0 {
		pw.WriteBytes(1, m.Cookie)
	}
	return nil
}

func (m *LookupRequestMessage) DecodeProperties(pr *PropertyReader) error {
	for {
		idx, ok, err := pr.NextIndex()
		if err != nil || !ok {
			return err
		}
		switch idx {
		case 0:
			m.Name, _, err = pr.ReadString()
		case 1:
			m.Cookie, err = pr.ReadBytes()
		default:
			m.futureData, err = pr.FinishCapturingFutureData()
			return err
		}
		if err != nil {
			return err
		}
	}
}

// LookupResponseMessage answers a LookupRequestMessage with one resolved
// endpoint address, or a failure if the name is unknown. A name that
// resolves to more than one address is delivered a page at a time: each
// page carries a non-absent Cookie, and the same request id (not a new
// one) is resent to fetch the next page. The final page's Cookie is
// absent, which is this protocol's one concrete PartialResponse: a
// terminal response looks exactly like any other, and a continuable one
// is distinguished only by Cookie()'s second return value.
type LookupResponseMessage struct {
	Base
	responseBase
	Address string
	cookie  []byte
	haveCookie bool
}

func (m *LookupResponseMessage) Kind() Kind { return KindResponse }

// Cookie returns the opaque continuation token for this page of results,
// and whether one is present at all. A present cookie means more
// addresses remain and the request id may be resent to fetch them; an
// absent one means this page is the last.
func (m *LookupResponseMessage) Cookie() ([]byte, bool) { return m.cookie, m.haveCookie }

// SetCookie sets the continuation token. Passing a nil slice still counts
// as present; to mark the response terminal, simply never call SetCookie.
func (m *LookupResponseMessage) SetCookie(cookie []byte) {
	m.cookie = cookie
	m.haveCookie = true
}

func (m *LookupResponseMessage) EncodeProperties(pw *PropertyWriter) error {
	pw.WriteInt64(0, m.requestID)
	pw.WriteBool(1, m.isFailure)
	pw.WriteString(2, m.Address, m.Address == "")
	if m.haveCookie {
		pw.WriteBytes(3, m.cookie)
	}
	return nil
}

func (m *LookupResponseMessage) DecodeProperties(pr *PropertyReader) error {
	for {
		idx, ok, err := pr.NextIndex()
		if err != nil || !ok {
			return err
		}
		switch idx {
		case 0:
			m.requestID, err = pr.ReadInt64()
		case 1:
			m.isFailure, err = pr.ReadBool()
		case 2:
			m.Address, _, err = pr.ReadString()
		case 3:
			m.cookie, err = pr.ReadBytes()
			m.haveCookie = true
		default:
			m.futureData, err = pr.FinishCapturingFutureData()
			return err
		}
		if err != nil {
			return err
		}
	}
}

var _ CookieCarrier = (*LookupResponseMessage)(nil)
