package toolrpc

import (
	"context"
	"encoding/json"
	"iter"
)

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection and provides methods for
	// bidirectional communication. The implementation must guarantee that each session ID
	// is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The
	// implementations should not close the Sessions they produced, the caller would
	// already do that when calling this method. The caller is guaranteed to call this
	// method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer.
type ClientTransport interface {
	// StartSession initiates a new session with the server. The returned Session is
	// ready for use: its receive loop is running and Send may be called immediately.
	// Operations are canceled when the context is canceled, and appropriate errors are
	// returned for connection failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
// A session exclusively owns its transport handle; closing the session releases it and
// ends the message iteration.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions managed.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg Message) error

	// Messages returns an iterator that yields messages received from the other party.
	// The implementations should exit the iteration if the session is closed.
	Messages() iter.Seq[Message]

	// Stop stops the session.
	// The implementation should not call this, as the caller is guaranteed to call
	// this method once.
	Stop()
}

// ToolHandler is the capability interface behind which the registry stores tool
// implementations. Call receives the validated arguments as a raw JSON object and
// returns the result as raw JSON, or an error whose message is surfaced to the peer
// as a ToolExecutionError. Handlers are expected to be synchronous and fast.
type ToolHandler interface {
	Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// ToolHandlerFunc adapts an ordinary function to the ToolHandler interface.
type ToolHandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Call implements ToolHandler.
func (f ToolHandlerFunc) Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, args)
}
