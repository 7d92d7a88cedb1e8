package toolrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) transport for the
// protocol's HTTP pairing. Server-to-client messages stream over SSE; client-to-server
// messages arrive via HTTP POST.
//
// The server provides connection management, message routing, and session tracking
// through its HandleSSE and HandleMessage http.Handlers, which can be mounted on any
// HTTP mux. The POST handler only acknowledges receipt of a message; the response to a
// request is delivered later as an SSE event on the session's stream.
//
// Instances should be created using NewSSEServer and shut down using Shutdown when no
// longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan *sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done   chan struct{}
	closed chan struct{}
}

// SSEClient implements ClientTransport over HTTP/SSE. StartSession opens the long-lived
// GET stream first; the server answers with an "endpoint" event naming the URL that
// subsequent POSTs must target. Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id       string
	sess     *sse.Session
	sendMsgs chan sseServerSessionSendMsg
	recvMsgs chan Message
	logger   *slog.Logger

	done           chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    Message
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	body     io.ReadCloser
	messages chan Message

	done     chan struct{}
	stopOnce *sync.Once
}

// NewSSEServer creates an SSE transport whose message endpoint is reachable at
// messageURL; clients learn this URL (plus their session ID) from the endpoint event.
// The returned SSEServer is operational immediately and must be shut down with Shutdown
// when no longer needed.
func NewSSEServer(messageURL string) SSEServer {
	return SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default().With(slog.String("component", "sseServer")),
		sessions:         make(chan *sseServerSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
}

// NewSSEClient creates an SSE transport that connects to the specified connectURL. The
// optional httpClient parameter allows custom HTTP client configuration - if nil, the
// default HTTP client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default().With(slog.String("component", "sseClient")),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of an event payload accepted from
// the server. If the payload size exceeds this limit the stream is terminated.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// Sessions returns an iterator over active client sessions. The iterator yields a new
// Session each time a client opens the SSE stream.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// All active sessions are kept in a map for lookup when a POST arrives.
		sessionsMap := make(map[string]*sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				// A new session arrived from the SSE handler.

				// Its queued sends are processed in a separate goroutine.
				go sess.processSendMessages()

				sessionsMap[sess.id] = sess

				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					// The session may already be closed; drop the message.
					continue
				}

				select {
				case <-s.done:
					return
				case <-session.done:
					// The session is stopped but not yet removed; dropping the message
					// here keeps a full recvMsgs buffer from wedging the routing loop.
				case session.recvMsgs <- msg.msg:
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE transport. This method blocks until the
// session loop has exited.
func (s SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for establishing SSE streams over GET requests.
// The handler upgrades the connection, assigns a unique session ID, and tells the
// client its message endpoint through an "endpoint" event. The connection remains open
// until either side closes the session.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Form the URL the client must POST its messages to for this session.
		endpointURL := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpointURL)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write SSE URL: %w", err)
			s.logger.Error("failed to write SSE URL", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush SSE: %w", err)
			s.logger.Error("failed to flush SSE", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := &sseServerSession{
			id:             sessID,
			sess:           sess,
			logger:         s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:       make(chan sseServerSessionSendMsg, 5),
			recvMsgs:       make(chan Message, 5),
			done:           make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		// Feed the sessions channel consumed by the Sessions loop, so the session can
		// be forwarded to the caller.
		select {
		case s.sessions <- srvSession:
		case <-s.done:
			return
		}

		// Block until the session is closed, keeping the HTTP connection open.
		<-srvSession.sendClosed
		<-srvSession.receivedClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-encoded message
// body. A valid message is routed to its session's message stream and acknowledged with
// 202 Accepted; the actual response travels back on the SSE stream. A body that does not
// decode is rejected with 400 and a MalformedMessage error payload.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := errors.New("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.logger.Warn("failed to read message body", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		msg, err := DecodeMessage(body)
		if err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			var protoErr *Error
			if errors.As(err, &protoErr) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				if resBs, mErr := EncodeMessage(Message{ID: "null", Error: protoErr}); mErr == nil {
					_, _ = w.Write(resBs)
				}
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Feed the receivedMessages channel so the Sessions loop can route the message
		// to the correct session.
		select {
		case <-s.done:
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg}:
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

// StartSession establishes the SSE stream and begins message processing. It blocks
// until the server has announced the session's message endpoint, then returns the ready
// session. The stream remains active until the context is canceled or the session is
// stopped.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	cliSession := &sseClientSession{
		httpClient: s.httpClient,
		logger:     s.logger,
		body:       resp.Body,
		messages:   make(chan Message),
		done:       make(chan struct{}),
		stopOnce:   &sync.Once{},
	}

	endpoints := make(chan string, 1)
	readErrs := make(chan error, 1)

	go cliSession.listenSSEMessages(s.maxPayloadSize, endpoints, readErrs)

	select {
	case <-ctx.Done():
		cliSession.Stop()
		return nil, ctx.Err()
	case err := <-readErrs:
		cliSession.Stop()
		return nil, fmt.Errorf("failed to establish session: %w", err)
	case endpointURL := <-endpoints:
		u, err := url.Parse(endpointURL)
		if err != nil {
			cliSession.Stop()
			return nil, fmt.Errorf("parse endpoint URL: %w", err)
		}
		if u.String() == "" {
			cliSession.Stop()
			return nil, errors.New("empty endpoint URL")
		}
		cliSession.messageURL = u.String()
		cliSession.id = u.Query().Get("sessionID")
		if cliSession.id == "" {
			cliSession.id = uuid.New().String()
		}
		cliSession.logger = s.logger.With(slog.String("sessionID", cliSession.id))
	}

	return cliSession, nil
}

func (s *sseClientSession) listenSSEMessages(maxPayloadSize int, endpoints chan<- string, readErrs chan<- error) {
	defer func() {
		s.body.Close()
		close(s.messages)
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	endpointReceived := false

	for ev, err := range sse.Read(s.body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				select {
				case readErrs <- err:
				default:
				}
				s.logger.Warn("failed to read SSE message", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			endpointReceived = true
			select {
			case endpoints <- ev.Data:
			default:
			}
		case "message":
			// Messages before the endpoint announcement mean the session is not yet
			// established; they cannot be correlated and are dropped.
			if !endpointReceived {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			msg, err := DecodeMessage([]byte(ev.Data))
			if err != nil {
				s.logger.Warn("received malformed message", slog.String("err", err.Error()))
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Error("unhandled event type", slog.String("type", string(ev.Type)))
		}
	}
}

func (s *sseClientSession) ID() string { return s.id }

// Send transmits a message to the server through an HTTP POST request. A success only
// acknowledges receipt; any response to the message arrives later on the SSE stream.
func (s *sseClientSession) Send(ctx context.Context, msg Message) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			select {
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.body.Close()
	})
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg Message) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid races in the sse library.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return errors.New("session is closed")
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return errors.New("session is closed")
	}
}

func (s *sseServerSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.recvMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	close(s.done)

	<-s.sendClosed
	<-s.receivedClosed
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			// Send and flush the message to the client.
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))

				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))

				sm.errs <- err
				continue
			}

			sm.errs <- nil
		case <-s.done:
			return
		}
	}
}
