package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func startTestCorrelator(t *testing.T) *correlator {
	t.Helper()

	c := newCorrelator(slog.Default())
	go c.run()
	t.Cleanup(c.stop)
	return c
}

func TestCorrelatorOutOfOrderResponses(t *testing.T) {
	c := startTestCorrelator(t)

	first := newPendingCall("first")
	second := newPendingCall("second")
	if err := c.register(first); err != nil {
		t.Fatalf("failed to register first call: %v", err)
	}
	if err := c.register(second); err != nil {
		t.Fatalf("failed to register second call: %v", err)
	}

	// Responses arrive in the opposite order of registration.
	c.onResponse(Message{ID: "second", Result: json.RawMessage(`2`)})
	c.onResponse(Message{ID: "first", Result: json.RawMessage(`1`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := c.await(ctx, first)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if string(msg.Result) != "1" {
		t.Errorf("first call got result %s, want 1", msg.Result)
	}

	msg, err = c.await(ctx, second)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if string(msg.Result) != "2" {
		t.Errorf("second call got result %s, want 2", msg.Result)
	}
}

func TestCorrelatorStrayResponse(t *testing.T) {
	c := startTestCorrelator(t)

	// A response with no pending request must be discarded without disturbing others.
	c.onResponse(Message{ID: "ghost", Result: json.RawMessage(`{}`)})

	p := newPendingCall("real")
	if err := c.register(p); err != nil {
		t.Fatalf("failed to register call: %v", err)
	}
	c.onResponse(Message{ID: "real", Result: json.RawMessage(`{}`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := c.await(ctx, p); err != nil {
		t.Fatalf("call failed: %v", err)
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	c := startTestCorrelator(t)

	p := newPendingCall("slow")
	if err := c.register(p); err != nil {
		t.Fatalf("failed to register call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.await(ctx, p)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got error %v, want ErrTimeout", err)
	}

	// A response arriving after the timeout must be discarded, not double-resolved.
	c.onResponse(Message{ID: "slow", Result: json.RawMessage(`{}`)})

	select {
	case out := <-p.outcome:
		t.Fatalf("late response resolved the call a second time: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCorrelatorContextCancellation(t *testing.T) {
	c := startTestCorrelator(t)

	p := newPendingCall("cancelled")
	if err := c.register(p); err != nil {
		t.Fatalf("failed to register call: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.await(ctx, p)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got error %v, want ErrCancelled", err)
	}
}

func TestCorrelatorStopFailsAllPending(t *testing.T) {
	c := newCorrelator(slog.Default())
	go c.run()

	calls := make([]*pendingCall, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		p := newPendingCall(id)
		if err := c.register(p); err != nil {
			t.Fatalf("failed to register call %s: %v", id, err)
		}
		calls = append(calls, p)
	}

	c.stop()
	// stop must be idempotent.
	c.stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, p := range calls {
		_, err := c.await(ctx, p)
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("call %s got error %v, want ErrCancelled", p.id, err)
		}
	}

	// Registering after stop must fail immediately.
	if err := c.register(newPendingCall("late")); !errors.Is(err, ErrCancelled) {
		t.Fatalf("register after stop got error %v, want ErrCancelled", err)
	}
}

func TestCorrelatorDiscard(t *testing.T) {
	c := startTestCorrelator(t)

	p := newPendingCall("failed-send")
	if err := c.register(p); err != nil {
		t.Fatalf("failed to register call: %v", err)
	}

	sendErr := errors.New("connection reset")
	c.discard(p, sendErr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.await(ctx, p)
	if !errors.Is(err, sendErr) {
		t.Fatalf("got error %v, want %v", err, sendErr)
	}
}
