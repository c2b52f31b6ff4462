// Package reqstatus implements the request/response correlation engine
// (C8): one Status per in-flight request, a Registry keyed by request id
// that also orders statuses by deadline for the timeout scanner, and the
// context marker that lets Channel.Request detect it is being called from
// the peer's own service goroutine (where blocking would starve the reader
// that must deliver the very response being waited for).
package reqstatus

import (
	"context"
	"sync"
	"time"

	"github.com/calmh/cachewire/lib/protoerr"
)

// Status tracks one outstanding request: its deadline and, once satisfied,
// either the response or the error that completed it. A Status is
// completed exactly once, by whichever of a matching response, a timeout,
// or a cancellation (channel or connection close) arrives first.
type Status struct {
	channelID   uint32
	requestID   int64
	deadline    time.Time
	hasDeadline bool

	mu        sync.Mutex
	cond      *sync.Cond
	done      bool
	response  any
	err       error

	// heapIndex is maintained by the deadline heap in Registry; -1 when not
	// (or no longer) a heap member.
	heapIndex int
}

func newStatus(channelID uint32, requestID int64, deadline time.Time, hasDeadline bool) *Status {
	s := &Status{channelID: channelID, requestID: requestID, deadline: deadline, hasDeadline: hasDeadline, heapIndex: -1}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ChannelID and RequestID identify the request this status tracks.
func (s *Status) ChannelID() uint32 { return s.channelID }
func (s *Status) RequestID() int64  { return s.requestID }

// Deadline is the absolute time after which the timeout scanner will
// complete this status with ErrTimeout, unless it completes sooner. The
// zero time.Time, paired with HasDeadline() == false, means the request
// waits forever and is never touched by the timeout scanner.
func (s *Status) Deadline() time.Time { return s.deadline }

// HasDeadline reports whether this status is subject to the timeout
// scanner at all. A request begun with a zero (infinite) timeout has none.
func (s *Status) HasDeadline() bool { return s.hasDeadline }

// complete finishes the status with resp or err (exactly one is non-zero).
// Only the first call has any effect; later calls are no-ops, matching the
// "first of response/timeout/cancel wins" rule.
func (s *Status) complete(resp any, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	s.response = resp
	s.err = err
	s.cond.Broadcast()
	return true
}

// Complete satisfies the status with resp, the normal success path when a
// correlated response frame arrives.
func (s *Status) Complete(resp any) bool { return s.complete(resp, nil) }

// Cancel satisfies the status with err, used for channel close, connection
// close, and explicit cancellation.
func (s *Status) Cancel(err error) bool { return s.complete(nil, err) }

// Timeout satisfies the status with ErrTimeout.
func (s *Status) Timeout() bool { return s.complete(nil, protoerr.ErrTimeout) }

// Wait blocks until the status completes or ctx is done, whichever is
// first, and returns the response or the completing error.
func (s *Status) Wait(ctx context.Context) (any, error) {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for !s.done {
			s.cond.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.mu.Lock()
		resp, err := s.response, s.err
		s.mu.Unlock()
		return resp, err
	case <-ctx.Done():
		s.Cancel(ctx.Err())
		<-done
		s.mu.Lock()
		resp, err := s.response, s.err
		s.mu.Unlock()
		return resp, err
	}
}

type serviceGoroutineKey struct{}

// MarkServiceGoroutine returns a context carrying a marker that identifies
// it as running on the peer's own service (read) goroutine. Handlers
// invoked synchronously from the read loop should derive their contexts
// from one marked this way.
func MarkServiceGoroutine(ctx context.Context) context.Context {
	return context.WithValue(ctx, serviceGoroutineKey{}, true)
}

// IsServiceGoroutine reports whether ctx descends from a context marked by
// MarkServiceGoroutine. Channel.Request uses this to refuse a blocking
// in-band request made from the same goroutine that must read the wire to
// deliver the response, which would otherwise deadlock.
func IsServiceGoroutine(ctx context.Context) bool {
	v, _ := ctx.Value(serviceGoroutineKey{}).(bool)
	return v
}
