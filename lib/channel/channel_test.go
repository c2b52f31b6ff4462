package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/calmh/cachewire/lib/protoerr"
	"github.com/calmh/cachewire/lib/protocol"
	"github.com/calmh/cachewire/lib/reqstatus"
)

// fakeRequest and fakeResponse are minimal Requester/Responder
// implementations for exercising Channel without a real codec or factory:
// Channel only needs the Message interface, never the wire bytes.

type fakeRequest struct {
	protocol.Base
	reqID   int64
	payload string
}

func newFakeRequest(payload string) *fakeRequest {
	return &fakeRequest{Base: protocol.NewBase(1, 1), payload: payload}
}

func (m *fakeRequest) Kind() protocol.Kind                      { return protocol.KindRequest }
func (m *fakeRequest) RequestID() int64                         { return m.reqID }
func (m *fakeRequest) SetRequestID(id int64)                    { m.reqID = id }
func (m *fakeRequest) EncodeProperties(*protocol.PropertyWriter) error { return nil }
func (m *fakeRequest) DecodeProperties(*protocol.PropertyReader) error { return nil }

type fakeResponse struct {
	protocol.Base
	reqID     int64
	isFailure bool
	result    any
	payload   string
}

func newFakeResponse(payload string) *fakeResponse {
	return &fakeResponse{Base: protocol.NewBase(2, 1), payload: payload}
}

func (m *fakeResponse) Kind() protocol.Kind                      { return protocol.KindResponse }
func (m *fakeResponse) RequestID() int64                         { return m.reqID }
func (m *fakeResponse) SetRequestID(id int64)                    { m.reqID = id }
func (m *fakeResponse) IsFailure() bool                           { return m.isFailure }
func (m *fakeResponse) Result() any                                { return m.result }
func (m *fakeResponse) SetResult(result any, isFailure bool)       { m.result, m.isFailure = result, isFailure }
func (m *fakeResponse) EncodeProperties(*protocol.PropertyWriter) error { return nil }
func (m *fakeResponse) DecodeProperties(*protocol.PropertyReader) error { return nil }

// fakeCookieResponse additionally implements protocol.CookieCarrier, for
// exercising the partial-response re-send law.
type fakeCookieResponse struct {
	fakeResponse
	cookie     []byte
	haveCookie bool
}

func newFakeCookieResponse(payload string) *fakeCookieResponse {
	return &fakeCookieResponse{fakeResponse: *newFakeResponse(payload)}
}

func (m *fakeCookieResponse) Cookie() ([]byte, bool) { return m.cookie, m.haveCookie }
func (m *fakeCookieResponse) SetCookie(cookie []byte) {
	m.cookie = cookie
	m.haveCookie = true
}

var _ protocol.CookieCarrier = (*fakeCookieResponse)(nil)

type fakeUnsolicited struct {
	protocol.Base
	payload string
}

func newFakeUnsolicited(payload string) *fakeUnsolicited {
	return &fakeUnsolicited{Base: protocol.NewBase(3, 1), payload: payload}
}

func (m *fakeUnsolicited) Kind() protocol.Kind                      { return protocol.KindUnsolicited }
func (m *fakeUnsolicited) EncodeProperties(*protocol.PropertyWriter) error { return nil }
func (m *fakeUnsolicited) DecodeProperties(*protocol.PropertyReader) error { return nil }

// fakeSender records every message written and, if reply is set, invokes it
// synchronously as if the wire had delivered an answer straight back —
// standing in for the remote peer in these tests.
type fakeSender struct {
	mu    sync.Mutex
	sent  []protocol.Message
	err   error
	reply func(msg protocol.Message)
}

func (s *fakeSender) WriteMessage(msg protocol.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.reply != nil {
		s.reply(msg)
	}
	return nil
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeReceiver struct {
	mu          sync.Mutex
	requests    []protocol.Message
	unsolicited []protocol.Message
	reply       protocol.Message
	replyErr    error
}

func (r *fakeReceiver) HandleRequest(_ context.Context, req protocol.Message) (protocol.Message, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return r.reply, r.replyErr
}

func (r *fakeReceiver) HandleUnsolicited(_ context.Context, msg protocol.Message) {
	r.mu.Lock()
	r.unsolicited = append(r.unsolicited, msg)
	r.mu.Unlock()
}

func TestChannelRequestResponseRoundTrip(t *testing.T) {
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), nil)

	sender.reply = func(sent protocol.Message) {
		req, ok := sent.(*fakeRequest)
		if !ok {
			return
		}
		resp := newFakeResponse("pong:" + req.payload)
		resp.SetRequestID(req.RequestID())
		go func() {
			if err := ch.Post(resp); err != nil {
				t.Errorf("Post: %v", err)
			}
		}()
	}

	resp, err := ch.Request(context.Background(), newFakeRequest("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	fr, ok := resp.(*fakeResponse)
	if !ok || fr.payload != "pong:ping" {
		t.Fatalf("Request returned %#v, want the correlated response", resp)
	}
}

func TestChannelRequestIDsAssignedBeforeSend(t *testing.T) {
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), nil)

	var seenID int64
	sender.reply = func(sent protocol.Message) {
		req := sent.(*fakeRequest)
		seenID = req.RequestID()
		if seenID == 0 {
			t.Error("request id was not assigned before WriteMessage was called")
		}
		resp := newFakeResponse("ok")
		resp.SetRequestID(req.RequestID())
		go ch.Post(resp)
	}

	if _, err := ch.Request(context.Background(), newFakeRequest("x"), time.Second); err != nil {
		t.Fatalf("Request: %v", err)
	}
}

func TestChannelRequestTimeout(t *testing.T) {
	sender := &fakeSender{} // no reply is ever sent
	ch := New(1, sender, protocol.NewFactory(1), nil)

	// Stand in for the Peer's timeout scanner, which enforces the deadline.
	go func() {
		time.Sleep(50 * time.Millisecond)
		ch.ScanTimeouts(time.Now())
	}()

	_, err := ch.Request(context.Background(), newFakeRequest("ping"), 10*time.Millisecond)
	if !errors.Is(err, protoerr.ErrTimeout) {
		t.Fatalf("Request err = %v, want ErrTimeout", err)
	}
}

func TestChannelRequestContextCancellation(t *testing.T) {
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ch.Request(ctx, newFakeRequest("ping"), time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Request err = %v, want context.Canceled", err)
	}
}

func TestChannelRequestFromServiceGoroutineFails(t *testing.T) {
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), nil)

	ctx := reqstatus.MarkServiceGoroutine(context.Background())
	_, err := ch.Request(ctx, newFakeRequest("ping"), time.Second)
	if !errors.Is(err, protoerr.ErrIllegalState) {
		t.Fatalf("Request err = %v, want ErrIllegalState", err)
	}
	if sender.sentCount() != 0 {
		t.Fatal("Request should fail before ever writing to the wire")
	}
}

func TestChannelPostUnsolicitedDispatchesToReceiver(t *testing.T) {
	receiver := &fakeReceiver{}
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), receiver)

	if err := ch.Post(newFakeUnsolicited("hello")); err != nil {
		t.Fatalf("Post: %v", err)
	}

	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	if len(receiver.unsolicited) != 1 {
		t.Fatalf("receiver saw %d unsolicited messages, want 1", len(receiver.unsolicited))
	}
}

func TestChannelPostIncomingRequestAutoReplies(t *testing.T) {
	reply := newFakeResponse("handled")
	receiver := &fakeReceiver{reply: reply}
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), receiver)

	req := newFakeRequest("incoming")
	req.SetRequestID(77)
	if err := ch.Post(req); err != nil {
		t.Fatalf("Post: %v", err)
	}

	if sender.sentCount() != 1 {
		t.Fatalf("sender saw %d writes, want 1 (the auto-reply)", sender.sentCount())
	}
	sent := sender.sent[0].(*fakeResponse)
	if sent.RequestID() != 77 {
		t.Fatalf("reply request id = %d, want 77 (copied from the incoming request)", sent.RequestID())
	}
}

func TestChannelPostWithNoReceiverFailsIncomingRequest(t *testing.T) {
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), nil)

	err := ch.Post(newFakeRequest("orphan"))
	if !errors.Is(err, protoerr.ErrIllegalState) {
		t.Fatalf("Post err = %v, want ErrIllegalState", err)
	}
}

func TestChannelCloseCancelsInFlightRequests(t *testing.T) {
	sender := &fakeSender{} // never replies
	ch := New(1, sender, protocol.NewFactory(1), nil)

	resultCh := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), newFakeRequest("ping"), time.Minute)
		resultCh <- err
	}()

	// Give the Request a moment to register before closing.
	time.Sleep(20 * time.Millisecond)

	if err := ch.Close(nil); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-resultCh:
		if !errors.Is(err, protoerr.ErrChannelClosed) {
			t.Fatalf("in-flight Request err = %v, want ErrChannelClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not cancel the in-flight request")
	}

	// Close must have notified the peer with NotifyChannelClosed.
	found := false
	for _, m := range sender.sent {
		if _, ok := m.(*protocol.NotifyChannelClosedMessage); ok {
			found = true
		}
	}
	if !found {
		t.Fatal("Close did not send NotifyChannelClosed")
	}
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), nil)

	if err := ch.Close(errors.New("shutting down")); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	sentAfterFirst := sender.sentCount()

	if err := ch.Close(errors.New("shutting down again")); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sender.sentCount() != sentAfterFirst {
		t.Fatal("second Close should be a no-op and not send another notification")
	}
}

func TestChannelZeroCannotClose(t *testing.T) {
	sender := &fakeSender{}
	ch := New(0, sender, protocol.NewFactory(1), nil)

	if err := ch.Close(nil); !errors.Is(err, protoerr.ErrIllegalState) {
		t.Fatalf("Close on channel 0 err = %v, want ErrIllegalState", err)
	}
}

func TestChannelAttributes(t *testing.T) {
	ch := New(1, &fakeSender{}, protocol.NewFactory(1), nil)

	if _, ok := ch.Attr("missing"); ok {
		t.Fatal("Attr on unset key should report false")
	}
	ch.SetAttr("k", 42)
	v, ok := ch.Attr("k")
	if !ok || v != 42 {
		t.Fatalf("Attr(\"k\") = (%v, %v), want (42, true)", v, ok)
	}
	ch.RemoveAttr("k")
	if _, ok := ch.Attr("k"); ok {
		t.Fatal("Attr after RemoveAttr should report false")
	}
}

func TestChannelScanTimeouts(t *testing.T) {
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), nil)

	resultCh := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), newFakeRequest("ping"), time.Millisecond)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	n := ch.ScanTimeouts(time.Now())
	if n != 1 {
		t.Fatalf("ScanTimeouts returned %d, want 1", n)
	}

	select {
	case err := <-resultCh:
		if !errors.Is(err, protoerr.ErrTimeout) {
			t.Fatalf("Request err = %v, want ErrTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ScanTimeouts did not complete the timed-out request")
	}
}

// TestChannelPartialResponseCookieResendLaw exercises the PartialResponse
// round-trip law: a response with a cookie keeps its request id registered
// so the caller can resend it and receive the next page, and only a
// terminal (cookie-absent) response finally forgets the id.
func TestChannelPartialResponseCookieResendLaw(t *testing.T) {
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), nil)

	page := 0
	sender.reply = func(sent protocol.Message) {
		req, ok := sent.(*fakeRequest)
		if !ok {
			return
		}
		page++
		resp := newFakeCookieResponse(fmt.Sprintf("page%d", page))
		resp.SetRequestID(req.RequestID())
		if page == 1 {
			resp.SetCookie([]byte("more"))
		}
		go func() {
			if err := ch.Post(resp); err != nil {
				t.Errorf("Post: %v", err)
			}
		}()
	}

	req := newFakeRequest("ping")
	resp, err := ch.Request(context.Background(), req, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	first, ok := resp.(*fakeCookieResponse)
	if !ok || first.payload != "page1" {
		t.Fatalf("first response = %#v, want page1", resp)
	}
	if _, ok := ch.GetRequest(req.RequestID()); !ok {
		t.Fatal("a cookie-bearing partial response must keep the request registered")
	}

	resp2, err := ch.Resend(context.Background(), req, time.Second)
	if err != nil {
		t.Fatalf("Resend: %v", err)
	}
	second, ok := resp2.(*fakeCookieResponse)
	if !ok || second.payload != "page2" {
		t.Fatalf("second response = %#v, want page2", resp2)
	}
	if _, ok := ch.GetRequest(req.RequestID()); ok {
		t.Fatal("a terminal (cookie-absent) response must forget the request")
	}
}

// TestChannelRequestFailureResponsePropagatesAsError exercises spec §4.5's
// request() contract: a response with IsFailure set must surface as an
// error, never be handed back to the caller as if it succeeded.
func TestChannelRequestFailureResponsePropagatesAsError(t *testing.T) {
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), nil)

	sender.reply = func(sent protocol.Message) {
		req, ok := sent.(*fakeRequest)
		if !ok {
			return
		}
		resp := newFakeResponse("")
		resp.SetRequestID(req.RequestID())
		resp.SetResult("boom", true)
		go ch.Post(resp)
	}

	_, err := ch.Request(context.Background(), newFakeRequest("ping"), time.Second)
	var remote *protoerr.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Request err = %v, want a *protoerr.RemoteError", err)
	}
	if remote.Reason != "boom" {
		t.Fatalf("RemoteError.Reason = %v, want %q", remote.Reason, "boom")
	}
}

// TestChannelRequestZeroTimeoutMeansInfinite exercises the timeout = 0
// sentinel: the request must register with no deadline and survive the
// timeout scanner indefinitely.
func TestChannelRequestZeroTimeoutMeansInfinite(t *testing.T) {
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), nil)

	idCh := make(chan int64, 1)
	sender.reply = func(sent protocol.Message) {
		if req, ok := sent.(*fakeRequest); ok {
			idCh <- req.RequestID()
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), newFakeRequest("ping"), 0)
		done <- err
	}()

	reqID := <-idCh
	status, ok := ch.GetRequest(reqID)
	if !ok {
		t.Fatal("request was not registered")
	}
	if status.HasDeadline() {
		t.Fatal("a zero timeout should register with no deadline")
	}
	if n := ch.ScanTimeouts(time.Now().Add(24 * time.Hour)); n != 0 {
		t.Fatalf("ScanTimeouts expired %d requests, want 0 for an infinite-timeout request", n)
	}

	resp := newFakeResponse("ok")
	resp.SetRequestID(reqID)
	if err := ch.Post(resp); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Request: %v", err)
	}
}

// TestChannelRequestNegativeTimeoutUsesDefault exercises the timeout = -1
// sentinel, distinct from the timeout = 0 (infinite) sentinel: it must fall
// back to DefaultRequestTimeout rather than also waiting forever.
func TestChannelRequestNegativeTimeoutUsesDefault(t *testing.T) {
	sender := &fakeSender{}
	ch := New(1, sender, protocol.NewFactory(1), nil)

	idCh := make(chan int64, 1)
	sender.reply = func(sent protocol.Message) {
		if req, ok := sent.(*fakeRequest); ok {
			idCh <- req.RequestID()
		}
	}

	go ch.Request(context.Background(), newFakeRequest("ping"), -1)

	reqID := <-idCh
	status, ok := ch.GetRequest(reqID)
	if !ok {
		t.Fatal("request was not registered")
	}
	if !status.HasDeadline() {
		t.Fatal("a negative timeout should fall back to DefaultRequestTimeout, not infinite")
	}
	wantDeadline := time.Now().Add(DefaultRequestTimeout)
	if d := status.Deadline().Sub(wantDeadline); d > time.Second || d < -time.Second {
		t.Fatalf("deadline = %v, want ~%v (DefaultRequestTimeout from now)", status.Deadline(), wantDeadline)
	}

	ch.Close(nil)
}
