package toolrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server serves a tool registry over a ServerTransport. It manages the session
// lifecycle, dispatches tool-call requests, answers health pings, and can broadcast
// notifications to all connected sessions.
type Server struct {
	transport ServerTransport
	registry  *Registry

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string)
	onClientDisconnected func(string)

	broadcasts        chan Message
	sessionsWaitGroup *sync.WaitGroup

	done chan struct{}
}

type serverSession struct {
	session    Session
	dispatcher dispatcher
	logger     *slog.Logger

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
)

// NewServer creates a server exposing the given registry's tools over the transport.
func NewServer(transport ServerTransport, registry *Registry, options ...ServerOption) Server {
	s := Server{
		transport:         transport,
		registry:          registry,
		logger:            slog.Default(),
		broadcasts:        make(chan Message, 10),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	return s
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping timeouts exceeds the threshold, the server will
// close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
// The callback's parameter is the session ID of the client.
func WithServerOnClientConnected(onClientConnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the session ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-toolrpc"),
			slog.String("component", "server"),
		)
	}
}

// Serve starts the server and manages its lifecycle: it accepts sessions from the
// transport, runs one receive loop per session, and dispatches each request against the
// registry.
//
// Serve blocks until the server is shut down.
func (s Server) Serve() {
	// These channels keep the broadcaster's session map current.
	sessions := make(chan serverSession, 5)
	removedSessions := make(chan string, 5)

	go s.broadcast(sessions, removedSessions)

	// This loop breaks when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := serverSession{
			session:              sess,
			dispatcher:           newDispatcher(s.registry, s.logger),
			logger:               s.logger.With(slog.String("sessionID", sess.ID())),
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			sendTimeout:          s.sendTimeout,
		}
		sessions <- ss

		s.sessionsWaitGroup.Add(1)

		// The session closes itself when consecutive pings fail beyond the threshold.
		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(ss.session.ID())
			}

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}

			select {
			case <-s.done:
			case removedSessions <- ss.session.ID():
			}
		}()
	}
}

// Shutdown gracefully shuts down the server by terminating all active sessions and
// cleaning up resources. It returns an error if the context is canceled before the
// shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown, which terminates all sessions.
	close(s.done)

	// Wait for all sessions to finish.
	s.sessionsWaitGroup.Wait()

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

// Notify broadcasts a notification with the given method and params to every connected
// session. Notifications carry no ID and expect no response.
func (s Server) Notify(method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	msg := Message{
		Method: method,
		Params: paramsBs,
	}

	select {
	case <-s.done:
		return fmt.Errorf("server is closed")
	case s.broadcasts <- msg:
	}
	return nil
}

func (s Server) broadcast(sessions <-chan serverSession, removedSessions <-chan string) {
	// All active sessions are kept in a map for broadcasting.
	sessMap := make(map[string]serverSession)

	for {
		select {
		case <-s.done:
			return
		case sess := <-sessions:
			sessMap[sess.session.ID()] = sess
		case sessID := <-removedSessions:
			delete(sessMap, sessID)
		case msg := <-s.broadcasts:
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			for _, sess := range sessMap {
				if err := sess.session.Send(ctx, msg); err != nil {
					sess.logger.Error("failed to broadcast message",
						slog.String("method", msg.Method),
						slog.String("err", err.Error()))
				}
			}
			cancel()
		}
	}
}

func (s serverSession) start(done <-chan struct{}) {
	// This channel feeds the ping goroutine the message IDs of responses received from
	// the client, so it can match its outstanding ping.
	pingMessageIDs := make(chan MustString, 10)
	go s.ping(pingMessageIDs, done)

	// This base context makes sure all in-flight dispatches are canceled when the loop
	// breaks.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	// This loop breaks when the session is closed.
	for msg := range s.session.Messages() {
		if msg.Method == "" {
			// A response from the client; the only requests this server issues are pings.
			select {
			case <-done:
			case pingMessageIDs <- msg.ID:
			}
			continue
		}

		if msg.ID == "" {
			// A notification. No response is expected, and this server handles none.
			s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
			continue
		}

		// Each request is dispatched in its own goroutine so a slow handler does not
		// block the receive loop; out-of-order completion is legal, correlation is by ID.
		go s.handleRequest(baseCtx, msg)
	}
}

func (s serverSession) handleRequest(ctx context.Context, msg Message) {
	resMsg := s.dispatcher.dispatch(ctx, msg)

	sendCtx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(sendCtx, resMsg); err != nil {
		s.logger.Error("failed to send response",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}

func (s serverSession) ping(messageIDs <-chan MustString, done <-chan struct{}) {
	defer s.session.Stop()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	var msgID MustString

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-done:
			return
		case id := <-messageIDs:
			// Received an ID from a client response; check whether it matches the ping
			// we sent.
			if id != msgID {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			continue
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)

		msgID = MustString(uuid.New().String())

		if err := s.session.Send(ctx, Message{
			ID:     msgID,
			Method: MethodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client",
				slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}
