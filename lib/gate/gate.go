// Package gate implements the entry/exit/close primitive shared by
// Channel and Connection: any number of goroutines may be "inside" at
// once, but Close blocks until every one of them has left, and is
// re-entrant for a goroutine that is itself calling Close from inside.
//
// This mirrors the instrumented-mutex idiom in internal/sync (NewMutex,
// NewRWMutex): a small interface wrapping the stdlib primitive, with an
// optional debug-gated slow-operation logger plugged in via SetDebugLogger.
package gate

import (
	"fmt"
	"sync"
	"time"
)

// threshold is the hold/wait duration above which Close logs a warning
// when debug logging is enabled.
const threshold = 200 * time.Millisecond

var debugLog func(format string, args ...any)

// SetDebugLogger installs f to receive slow-gate diagnostics. A nil f (the
// default) disables the logging entirely; no-argument formatting is never
// evaluated when nil.
func SetDebugLogger(f func(format string, args ...any)) {
	debugLog = f
}

// Ticket is proof of a successful Enter; it must be released exactly once
// via Exit.
type Ticket struct {
	g    *Gate
	used bool
}

// Exit releases the ticket, allowing a concurrent Close to proceed once
// every outstanding ticket has been released. Exit is idempotent.
func (t *Ticket) Exit() {
	if t == nil || t.used {
		return
	}
	t.used = true
	t.g.exit()
}

// Gate is open for Enter until Close is called, after which every Enter
// fails with the error Close (or CloseFrom) was given. Close itself blocks
// until all tickets issued before it was called have been released.
//
// Lock order when a Gate guards state also guarded by another Gate (e.g. a
// Connection's gate enclosing its Channels' gates) or by a registry lock
// (e.g. a request-status table) is: outer gate, then inner gate, then
// registry lock. Acquiring in the opposite order risks deadlock against a
// concurrent close working its way inward.
type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	inside int
	closed bool
	err    error
}

// New creates an open Gate.
func New() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Enter admits the calling goroutine if the gate is open, returning a
// Ticket that must be released with Exit. If the gate is closed, Enter
// returns the error given to Close.
func (g *Gate) Enter() (*Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, g.err
	}
	g.inside++
	return &Ticket{g: g}, nil
}

func (g *Gate) exit() {
	g.mu.Lock()
	g.inside--
	if g.inside == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// Close marks the gate closed with reason err (every later Enter fails
// with err; Enter itself never blocks) and waits for all outstanding
// tickets to be released. Close is idempotent: a second call observes the
// gate already closed and returns immediately without re-waiting or
// changing the recorded reason.
func (g *Gate) Close(err error) {
	g.closeLocked(err, nil)
}

// CloseFrom is Close called by a goroutine that itself holds tok: tok is
// released first so Close does not wait on its own caller, avoiding the
// self-deadlock a naive Close(err) would hit if invoked from inside a
// handler running under the gate (for example a control-channel receiver
// reacting to NotifyConnectionClosed by closing the connection it was
// invoked under).
func (g *Gate) CloseFrom(tok *Ticket, err error) {
	g.closeLocked(err, tok)
}

func (g *Gate) closeLocked(err error, self *Ticket) {
	start := time.Now()
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		self.Exit()
		return
	}
	g.closed = true
	g.err = err
	if self != nil && !self.used {
		self.used = true
		g.inside--
		if g.inside == 0 {
			g.cond.Broadcast()
		}
	}
	for g.inside > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()

	if debugLog != nil {
		if d := time.Since(start); d >= threshold {
			debugLog("gate: close waited %v for %s", d, fmt.Sprint(err))
		}
	}
}

// Closed reports whether the gate has been closed, and if so, the reason.
func (g *Gate) Closed() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed, g.err
}
