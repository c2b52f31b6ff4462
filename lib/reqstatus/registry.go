package reqstatus

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/calmh/cachewire/lib/protoerr"
)

// Registry is a channel's table of in-flight requests, indexed by request
// id for response correlation and ordered by deadline for the timeout
// scanner. The request-id counter also lives here: ids are monotonically
// increasing 64-bit values, generated under the same lock that registers
// the Status, so a response can never race its own request's registration.
type Registry struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*Status
	byDue  deadlineHeap
}

// NewRegistry creates an empty request registry. ids start at 1; 0 is
// reserved to mean "no request id" (an unsolicited message has no
// requestId in the traced protocol tables).
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int64]*Status)}
}

// Begin allocates a new request id and registers a Status for it with the
// given timeout. A zero timeout means the request waits forever and is
// never entered into the deadline heap, so the timeout scanner never sees
// it. It returns ErrIDSpaceExhausted in the unreachable case that the
// 64-bit id space wraps.
func (r *Registry) Begin(channelID uint32, timeout time.Duration) (*Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	if r.nextID <= 0 {
		return nil, fmt.Errorf("reqstatus: %w", protoerr.ErrIDSpaceExhausted)
	}
	id := r.nextID

	s := r.register(channelID, id, timeout)
	return s, nil
}

// Continue replaces the Status registered under requestID with a fresh one
// carrying a new timeout, keeping the same id. Used when a partial response
// carries a cookie: the request stays registered under its original id so
// the caller can resend it and have the continuation correlate correctly,
// instead of minting a new id the server never asked for.
func (r *Registry) Continue(requestID int64, timeout time.Duration) (*Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byID[requestID]
	if !ok {
		return nil, fmt.Errorf("reqstatus: %w: request %d is no longer registered", protoerr.ErrIllegalState, requestID)
	}
	if old.heapIndex >= 0 {
		heap.Remove(&r.byDue, old.heapIndex)
	}
	s := r.register(old.channelID, requestID, timeout)
	return s, nil
}

// register creates and indexes a Status for id, under the caller's lock.
func (r *Registry) register(channelID uint32, id int64, timeout time.Duration) *Status {
	hasDeadline := timeout > 0
	var deadline time.Time
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}
	s := newStatus(channelID, id, deadline, hasDeadline)
	r.byID[id] = s
	if hasDeadline {
		heap.Push(&r.byDue, s)
	}
	return s
}

// Lookup returns the Status registered for requestId, if any.
func (r *Registry) Lookup(requestID int64) (*Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[requestID]
	return s, ok
}

// Forget removes requestId's Status from the registry without completing
// it; callers complete it themselves (with a response, a cancellation, or
// a timeout) before or after calling Forget.
func (r *Registry) Forget(requestID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[requestID]
	if !ok {
		return
	}
	delete(r.byID, requestID)
	if s.heapIndex >= 0 {
		heap.Remove(&r.byDue, s.heapIndex)
	}
}

// ScanTimeouts completes and removes every registered Status whose
// deadline is at or before now, returning how many were timed out. A
// Peer's timeout-scanner goroutine calls this periodically.
func (r *Registry) ScanTimeouts(now time.Time) int {
	r.mu.Lock()
	var expired []*Status
	for r.byDue.Len() > 0 && !r.byDue[0].deadline.After(now) {
		s := heap.Pop(&r.byDue).(*Status)
		delete(r.byID, s.requestID)
		expired = append(expired, s)
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.Timeout()
	}
	return len(expired)
}

// CancelAll completes every registered Status with err and empties the
// registry. Called when the owning channel or connection closes.
func (r *Registry) CancelAll(err error) int {
	r.mu.Lock()
	all := make([]*Status, 0, len(r.byID))
	for _, s := range r.byID {
		all = append(all, s)
	}
	r.byID = make(map[int64]*Status)
	r.byDue = nil
	r.mu.Unlock()

	for _, s := range all {
		s.Cancel(err)
	}
	return len(all)
}

// Len reports the number of in-flight requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// deadlineHeap is a container/heap.Interface ordering *Status by deadline,
// earliest first, so ScanTimeouts only ever looks at its root.
type deadlineHeap []*Status

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *deadlineHeap) Push(x any) {
	s := x.(*Status)
	s.heapIndex = len(*h)
	*h = append(*h, s)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.heapIndex = -1
	*h = old[:n-1]
	return s
}
