package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client connects to a tool server over a ClientTransport, discovers its tools, and
// invokes them. Responses are matched to requests by message ID, so many requests may
// be in flight at once and complete out of order; this is what makes the client work
// identically over the socket transport and the asymmetric HTTP/SSE transport, where
// the response arrives on a different physical stream than the request traveled on.
//
// A Client must be created using NewClient and requires Connect to be called before any
// operations can be performed. The client should be closed using Close when it's no
// longer needed; closing fails all still-pending requests with ErrCancelled.
type Client struct {
	transport ClientTransport

	session    Session
	correlator *correlator

	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	onNotification func(method string, params json.RawMessage)

	logger *slog.Logger

	closeOnce    *sync.Once
	listenClosed chan struct{}
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second
	defaultClientPingInterval = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets the read timeout for the client. A request with no
// response within this window fails with ErrTimeout; an explicit context deadline on
// the call takes precedence.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping failures exceeds the threshold, the client will
// close the session.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientOnNotification sets the handler invoked for every notification received
// from the server.
func WithClientOnNotification(handler func(method string, params json.RawMessage)) ClientOption {
	return func(c *Client) {
		c.onNotification = handler
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-toolrpc"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a new client speaking over the given transport.
//
// The client will not be connected until Connect is called.
func NewClient(transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		transport:    transport,
		logger:       slog.Default(),
		closeOnce:    &sync.Once{},
		listenClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	c.correlator = newCorrelator(c.logger)
	// The correlator loop starts here rather than in Connect, so Close never blocks on
	// a loop that was never started when Connect fails or is skipped.
	go c.correlator.run()

	return c
}

// Connect establishes the session with the server and starts the background receive
// loop that feeds responses back to their callers. It must be called before any other
// client method.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess

	go c.listenMessages()
	go c.pingLoop()

	return nil
}

// Close tears down the session. All still-pending requests are failed with ErrCancelled
// exactly once; calling Close again is a no-op.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.session != nil {
			c.session.Stop()
		}
		c.correlator.stop()
	})
}

// ListTools retrieves the tools registered on the server.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := c.Call(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes the named tool with the given arguments and returns its raw result.
// A protocol-level failure (unknown tool, invalid arguments, handler error) is returned
// as an *Error whose Kind names the failure category.
func (c *Client) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	var argsBs json.RawMessage
	if args != nil {
		bs, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		argsBs = bs
	}

	return c.Call(ctx, MethodToolsCall, CallToolParams{
		Name:      name,
		Arguments: argsBs,
	})
}

// Ping checks that the server is alive and responding.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, MethodPing, nil)
	return err
}

// Call issues a request with the given method and params and awaits its response. It is
// the low-level send/await surface consumed by the typed methods above and by callers
// that drive tool selection themselves. Every call resolves with either the result
// payload or a typed failure: an *Error from the peer, ErrTimeout on deadline expiry,
// or ErrCancelled on session teardown.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.session == nil {
		return nil, errors.New("client not connected")
	}

	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	msgID := uuid.New().String()
	p := newPendingCall(msgID)
	if err := c.correlator.register(p); err != nil {
		return nil, err
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, Message{
		ID:     MustString(msgID),
		Method: method,
		Params: paramsBs,
	}); err != nil {
		c.correlator.discard(p, err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	awaitCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.readTimeout > 0 {
		var cancel context.CancelFunc
		awaitCtx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}

	res, err := c.correlator.await(awaitCtx, p)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return res.Result, nil
}

// SessionID returns the ID of the connected session, or an empty string before Connect.
func (c *Client) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID()
}

func (c *Client) listenMessages() {
	defer close(c.listenClosed)

	for msg := range c.session.Messages() {
		switch {
		case msg.Method == "":
			// A response; route it to the pending request with the matching ID.
			c.correlator.onResponse(msg)
		case msg.Method == MethodPing && msg.ID != "":
			go c.answerPing(msg.ID)
		case msg.ID == "":
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		default:
			// This protocol has no server-to-client requests besides ping.
			c.logger.Warn("unsupported request from server", slog.String("method", msg.Method))
		}
	}

	// The session ended; fail whatever is still pending.
	c.correlator.stop()
}

func (c *Client) answerPing(id MustString) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := c.session.Send(ctx, Message{
		ID:     id,
		Result: json.RawMessage(`{}`),
	}); err != nil {
		c.logger.Error("failed to answer ping", slog.String("err", err.Error()))
	}
}

func (c *Client) pingLoop() {
	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0

	for {
		select {
		case <-c.correlator.stopped:
			return
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		err := c.Ping(ctx)
		cancel()

		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return
			}
			c.logger.Warn("failed to ping server", slog.String("err", err.Error()))
			failedPings++
			if failedPings > c.pingTimeoutThreshold {
				c.logger.Warn("too many pings failed, closing session")
				c.Close()
				return
			}
			continue
		}
		failedPings = 0
	}
}
