package toolrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"
)

// SocketServer implements ServerTransport over a net.Listener. Each accepted connection
// becomes one Session carrying newline-delimited JSON messages in both directions.
//
// Instances should be created using NewSocketServer and shut down using Shutdown when no
// longer needed; Shutdown closes the listener but leaves open sessions to their owner.
type SocketServer struct {
	listener net.Listener
	logger   *slog.Logger

	closed chan struct{}
}

// SocketClient implements ClientTransport by dialing a SocketServer and speaking
// newline-delimited JSON over the resulting TCP connection. Instances should be created
// using NewSocketClient.
type SocketClient struct {
	addr   string
	logger *slog.Logger
}

// Stream implements both ServerTransport and ClientTransport over a single
// io.Reader/io.Writer pair, such as stdin/stdout or an in-memory pipe. It provides one
// persistent session and handles bidirectional message passing through internal
// channels, processing messages sequentially.
//
// Proper initialization requires using the NewStream constructor function.
type Stream struct {
	sess   *streamSession
	closed chan struct{}
}

// streamSession is the shared session implementation for all byte-stream transports:
// TCP connections on either end, and raw reader/writer pairs. One JSON object per line,
// newline as delimiter.
type streamSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	closer io.Closer
	logger *slog.Logger

	// A server-side session answers undecodable lines with a MalformedMessage error
	// response; a client-side session only records the violation.
	reportDecodeErrors bool

	writeMessages chan streamWriteMsg
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}
}

type streamWriteMsg struct {
	msg  []byte
	errs chan error
}

// NewSocketServer creates a socket transport listening for client connections on the
// given listener. The caller retains no responsibility for the listener; Shutdown
// closes it.
func NewSocketServer(listener net.Listener) SocketServer {
	return SocketServer{
		listener: listener,
		logger:   slog.Default().With(slog.String("component", "socketServer")),
		closed:   make(chan struct{}),
	}
}

// NewSocketClient creates a socket transport that dials the given TCP address when
// StartSession is called.
func NewSocketClient(addr string) *SocketClient {
	return &SocketClient{
		addr:   addr,
		logger: slog.Default().With(slog.String("component", "socketClient")),
	}
}

// NewStream creates a Stream transport over the provided reader and writer. The
// instance is initialized with default logging and the required internal communication
// channels.
func NewStream(reader io.Reader, writer io.Writer) Stream {
	return Stream{
		sess:   newStreamSession(reader, writer, nil, false, slog.Default()),
		closed: make(chan struct{}),
	}
}

func newStreamSession(
	reader io.Reader,
	writer io.Writer,
	closer io.Closer,
	reportDecodeErrors bool,
	logger *slog.Logger,
) *streamSession {
	id := uuid.New().String()
	return &streamSession{
		id:                 id,
		reader:             reader,
		writer:             writer,
		closer:             closer,
		logger:             logger.With(slog.String("sessionID", id)),
		reportDecodeErrors: reportDecodeErrors,
		writeMessages:      make(chan streamWriteMsg),
		done:               make(chan struct{}),
		readClosed:         make(chan struct{}),
		writeClosed:        make(chan struct{}),
	}
}

// Sessions implements the ServerTransport interface by yielding one Session per
// accepted connection. The iteration exits when the listener is closed via Shutdown.
func (s SocketServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Error("failed to accept connection", slog.String("err", err.Error()))
				}
				return
			}

			sess := newStreamSession(conn, conn, conn, true, s.logger)
			go sess.processWriteMessages()

			if !yield(sess) {
				return
			}
		}
	}
}

// Shutdown implements the ServerTransport interface by closing the listener and waiting
// for the accept loop to exit.
func (s SocketServer) Shutdown(ctx context.Context) error {
	if err := s.listener.Close(); err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shutdown socket server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface by dialing the server and
// returning the session speaking over the resulting connection.
func (c *SocketClient) StartSession(ctx context.Context) (Session, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.addr, err)
	}

	sess := newStreamSession(conn, conn, conn, false, c.logger)
	go sess.processWriteMessages()
	return sess, nil
}

// Sessions implements the ServerTransport interface by providing an iterator that
// yields the single persistent session. This session remains active throughout the
// lifetime of the Stream instance.
func (s Stream) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		// Stream only supports a single session, so we yield it and wait until it's done.
		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the session loop to
// break.
func (s Stream) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface by initializing the single
// session and returning it.
func (s Stream) StartSession(_ context.Context) (Session, error) {
	go s.sess.processWriteMessages()
	return s.sess, nil
}

func (s *streamSession) ID() string { return s.id }

func (s *streamSession) Send(ctx context.Context, msg Message) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return s.sendBytes(ctx, msgBs)
}

func (s *streamSession) sendBytes(ctx context.Context, msgBs []byte) error {
	// Append newline to maintain the message framing protocol.
	msgBs = append(msgBs, '\n')

	ioMsg := streamWriteMsg{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so concurrent senders never interleave partial lines.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while feeding writeMessages channel",
			slog.String("message", string(msgBs)))
		return errors.New("session is closed")
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("get error result from write", slog.String("err", err.Error()))
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while waiting for write result",
			slog.String("message", string(msgBs)))
		return errors.New("session is closed")
	}
}

func (s *streamSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer close(s.readClosed)

		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(s.reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr, 1)

			// The read happens in a goroutine so the loop can still observe the done
			// channel while the reader blocks.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil {
					lines <- lineWithErr{err: err}
					return
				}
				lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
			}()

			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) && !errors.Is(lwe.err, net.ErrClosed) &&
					!errors.Is(lwe.err, io.ErrClosedPipe) {
					s.logger.Error("failed to read message", slog.String("err", lwe.err.Error()))
				}
				return
			}

			if lwe.line == "" {
				continue
			}

			msg, err := DecodeMessage([]byte(lwe.line))
			if err != nil {
				s.logger.Warn("received malformed message", slog.String("err", err.Error()))
				if s.reportDecodeErrors {
					s.answerMalformed(err)
				}
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

// answerMalformed sends a MalformedMessage error response for a line that did not
// decode. The line yielded no usable request ID, so the response carries none.
func (s *streamSession) answerMalformed(decodeErr error) {
	protoErr := &Error{
		Code:    codeParseError,
		Kind:    KindMalformedMessage,
		Message: decodeErr.Error(),
	}
	var asProto *Error
	if errors.As(decodeErr, &asProto) {
		protoErr = asProto
	}

	msgBs, err := EncodeMessage(Message{ID: "null", Error: protoErr})
	if err != nil {
		s.logger.Error("failed to encode malformed-message response", slog.String("err", err.Error()))
		return
	}
	if err := s.sendBytes(context.Background(), msgBs); err != nil {
		s.logger.Warn("failed to answer malformed message", slog.String("err", err.Error()))
	}
}

func (s *streamSession) Stop() {
	close(s.done)
	if s.closer != nil {
		// Unblocks the pending read on a closed connection.
		if err := s.closer.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("failed to close stream", slog.String("err", err.Error()))
		}
	}
	<-s.readClosed
	<-s.writeClosed
}

func (s *streamSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg streamWriteMsg
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
