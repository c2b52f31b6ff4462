package reqstatus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calmh/cachewire/lib/protoerr"
)

func TestStatusCompleteThenWait(t *testing.T) {
	s := newStatus(1, 1, time.Now().Add(time.Minute), true)
	if !s.Complete("hello") {
		t.Fatal("first Complete should succeed")
	}
	if s.Complete("world") {
		t.Fatal("second Complete should be a no-op")
	}

	resp, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if resp != "hello" {
		t.Fatalf("Wait returned %v, want %q (the first completion wins)", resp, "hello")
	}
}

func TestStatusWaitBlocksUntilComplete(t *testing.T) {
	s := newStatus(1, 1, time.Now().Add(time.Minute), true)
	done := make(chan struct{})
	go func() {
		resp, err := s.Wait(context.Background())
		if err != nil || resp != 42 {
			t.Errorf("Wait: got (%v, %v), want (42, nil)", resp, err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Complete was called")
	case <-time.After(20 * time.Millisecond):
	}

	s.Complete(42)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Complete")
	}
}

func TestStatusTimeout(t *testing.T) {
	s := newStatus(1, 1, time.Now(), true)
	s.Timeout()
	_, err := s.Wait(context.Background())
	if !errors.Is(err, protoerr.ErrTimeout) {
		t.Fatalf("Wait err = %v, want ErrTimeout", err)
	}
}

func TestStatusCancel(t *testing.T) {
	s := newStatus(1, 1, time.Now().Add(time.Minute), true)
	cancelErr := errors.New("channel closed")
	s.Cancel(cancelErr)
	_, err := s.Wait(context.Background())
	if !errors.Is(err, cancelErr) {
		t.Fatalf("Wait err = %v, want %v", err, cancelErr)
	}
}

func TestStatusWaitContextCancellation(t *testing.T) {
	s := newStatus(1, 1, time.Now().Add(time.Minute), true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v, want context.Canceled", err)
	}

	// A late response arriving after the waiter gave up must not panic and
	// must not override the completion already recorded.
	if s.Complete("too late") {
		t.Fatal("Complete after ctx cancellation should be a no-op")
	}
}

func TestServiceGoroutineMarker(t *testing.T) {
	ctx := context.Background()
	if IsServiceGoroutine(ctx) {
		t.Fatal("plain context should not be marked")
	}
	marked := MarkServiceGoroutine(ctx)
	if !IsServiceGoroutine(marked) {
		t.Fatal("marked context should report true")
	}
	child, cancel := context.WithCancel(marked)
	defer cancel()
	if !IsServiceGoroutine(child) {
		t.Fatal("marker should survive deriving a child context")
	}
}
