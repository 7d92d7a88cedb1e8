package toolrpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrCancelled is the failure delivered to every pending request when its session is
	// torn down before the response arrives. It is local-only and never sent on the wire.
	ErrCancelled = errors.New("request cancelled")
	// ErrTimeout is the failure delivered to a pending request whose deadline expired
	// before the response arrived. It is local-only and never sent on the wire.
	ErrTimeout = errors.New("request timeout")
)

type callOutcome struct {
	msg Message
	err error
}

// pendingCall tracks one in-flight request on the client side. Its outcome channel is
// buffered and written exactly once, by the correlator loop, with either the matching
// response or a local failure.
type pendingCall struct {
	id      string
	outcome chan callOutcome
}

func newPendingCall(id string) *pendingCall {
	return &pendingCall{
		id:      id,
		outcome: make(chan callOutcome, 1),
	}
}

type resolveReq struct {
	id  string
	err error
}

// correlator owns the pending-request map for one client session. All map access is
// serialized through its run loop, so a late-arriving response can never race a timeout
// or teardown: whichever resolution reaches the loop first wins, and the loser finds no
// pending entry and is discarded.
type correlator struct {
	logger *slog.Logger

	registers chan *pendingCall
	responses chan Message
	resolves  chan resolveReq

	done     chan struct{}
	stopped  chan struct{}
	stopOnce *sync.Once
}

func newCorrelator(logger *slog.Logger) *correlator {
	return &correlator{
		logger:    logger.With(slog.String("component", "correlator")),
		registers: make(chan *pendingCall),
		responses: make(chan Message),
		resolves:  make(chan resolveReq),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		stopOnce:  &sync.Once{},
	}
}

func (c *correlator) run() {
	defer close(c.stopped)

	pending := make(map[string]*pendingCall)

	for {
		select {
		case <-c.done:
			// Session teardown fails every still-pending request with a uniform
			// cancellation, each exactly once.
			for id, p := range pending {
				delete(pending, id)
				p.outcome <- callOutcome{err: ErrCancelled}
			}
			return
		case p := <-c.registers:
			pending[p.id] = p
		case msg := <-c.responses:
			p, ok := pending[string(msg.ID)]
			if !ok {
				// Duplicate or stray response. A protocol violation, but not fatal.
				c.logger.Warn("received response with no pending request",
					slog.String("messageID", string(msg.ID)))
				continue
			}
			delete(pending, string(msg.ID))
			p.outcome <- callOutcome{msg: msg}
		case req := <-c.resolves:
			p, ok := pending[req.id]
			if !ok {
				// Already resolved by a response; the caller will find it buffered.
				continue
			}
			delete(pending, req.id)
			p.outcome <- callOutcome{err: req.err}
		}
	}
}

// register records a new pending request. It fails with ErrCancelled if the correlator
// is already stopped.
func (c *correlator) register(p *pendingCall) error {
	select {
	case <-c.done:
		return ErrCancelled
	case c.registers <- p:
		return nil
	}
}

// onResponse routes an inbound response to its pending request, if any.
func (c *correlator) onResponse(msg Message) {
	select {
	case <-c.done:
	case c.responses <- msg:
	}
}

// await blocks until the pending request resolves, the context ends, or the correlator
// stops. A context deadline resolves the request with ErrTimeout, a context cancellation
// with ErrCancelled; in both cases the pending entry is removed so a late response is
// discarded rather than double-resolved.
func (c *correlator) await(ctx context.Context, p *pendingCall) (Message, error) {
	select {
	case out := <-p.outcome:
		return out.msg, out.err
	case <-ctx.Done():
		cause := ErrCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = ErrTimeout
		}
		select {
		case c.resolves <- resolveReq{id: p.id, err: cause}:
		case <-c.stopped:
		}
		// The loop guarantees the outcome channel is written exactly once for every
		// registered call, so this read cannot block.
		out := <-p.outcome
		return out.msg, out.err
	case <-c.stopped:
		select {
		case out := <-p.outcome:
			return out.msg, out.err
		default:
			return Message{}, ErrCancelled
		}
	}
}

// discard removes a pending request that will never receive a response, such as when
// the send itself failed. The outcome the loop writes is left buffered and dropped.
func (c *correlator) discard(p *pendingCall, err error) {
	select {
	case c.resolves <- resolveReq{id: p.id, err: err}:
	case <-c.stopped:
	}
}

// stop tears down the correlator, failing all pending requests with ErrCancelled.
// It is idempotent and blocks until the run loop has drained.
func (c *correlator) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	<-c.stopped
}
