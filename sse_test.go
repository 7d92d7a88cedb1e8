package toolrpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-toolrpc"
)

func newTestSSEServer(t *testing.T) (toolrpc.SSEServer, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)

	server := toolrpc.NewSSEServer(testServer.URL + "/message")
	mux.Handle("/connect", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			fmt.Printf("Server forced to shutdown: %v", err)
			return
		}
		testServer.Close()
	})

	return server, testServer
}

func TestSSEServerAndClient(t *testing.T) {
	server, testServer := newTestSSEServer(t)

	client := toolrpc.NewSSEClient(testServer.URL+"/connect", testServer.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientSession, err := client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer clientSession.Stop()

	if clientSession.ID() == "" {
		t.Error("client session has no ID")
	}

	// Wait for the matching server session.
	sessions := make(chan toolrpc.Session, 1)
	go func() {
		for s := range server.Sessions() {
			sessions <- s
		}
	}()

	var serverSession toolrpc.Session
	select {
	case serverSession = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server session")
	}
	defer serverSession.Stop()

	if serverSession.ID() != clientSession.ID() {
		t.Errorf("session IDs do not match: server %q, client %q",
			serverSession.ID(), clientSession.ID())
	}

	// Client to server.
	serverReceived := make(chan toolrpc.Message, 1)
	go func() {
		for msg := range serverSession.Messages() {
			serverReceived <- msg
		}
	}()

	request := toolrpc.Message{
		ID:     "req-1",
		Method: toolrpc.MethodToolsList,
	}
	if err := clientSession.Send(ctx, request); err != nil {
		t.Fatalf("failed to send client message: %v", err)
	}

	select {
	case got := <-serverReceived:
		if got.Method != toolrpc.MethodToolsList {
			t.Errorf("got method %q, want %q", got.Method, toolrpc.MethodToolsList)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server to receive message")
	}

	// Server to client.
	clientReceived := make(chan toolrpc.Message, 1)
	go func() {
		for msg := range clientSession.Messages() {
			clientReceived <- msg
		}
	}()

	if err := serverSession.Send(ctx, toolrpc.Message{
		ID:     "req-1",
		Result: json.RawMessage(`{"tools":[]}`),
	}); err != nil {
		t.Fatalf("failed to send server message: %v", err)
	}

	select {
	case got := <-clientReceived:
		if got.ID != "req-1" {
			t.Errorf("got ID %q, want %q", got.ID, "req-1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client to receive message")
	}
}

// The POST handler only acknowledges receipt; the response to a request is delivered
// later on the SSE stream. This test pins that ordering down: Send must return before
// the server has produced any response.
func TestSSEPostAcknowledgesBeforeResponse(t *testing.T) {
	server, testServer := newTestSSEServer(t)

	client := toolrpc.NewSSEClient(testServer.URL+"/connect", testServer.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientSession, err := client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer clientSession.Stop()

	sessions := make(chan toolrpc.Session, 1)
	go func() {
		for s := range server.Sessions() {
			sessions <- s
		}
	}()

	var serverSession toolrpc.Session
	select {
	case serverSession = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server session")
	}
	defer serverSession.Stop()

	serverReceived := make(chan toolrpc.Message, 1)
	go func() {
		for msg := range serverSession.Messages() {
			serverReceived <- msg
		}
	}()

	clientReceived := make(chan toolrpc.Message, 1)
	go func() {
		for msg := range clientSession.Messages() {
			clientReceived <- msg
		}
	}()

	// The server deliberately sends no response yet; Send must still succeed with a
	// bare acknowledgement.
	if err := clientSession.Send(ctx, toolrpc.Message{ID: "req-1", Method: toolrpc.MethodPing}); err != nil {
		t.Fatalf("failed to send client message: %v", err)
	}

	select {
	case got := <-clientReceived:
		t.Fatalf("client received a message before the server responded: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	// Now produce the response; it must arrive on the SSE stream.
	select {
	case <-serverReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server to receive request")
	}

	if err := serverSession.Send(ctx, toolrpc.Message{
		ID:     "req-1",
		Result: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("failed to send response: %v", err)
	}

	select {
	case got := <-clientReceived:
		if got.ID != "req-1" {
			t.Errorf("got ID %q, want %q", got.ID, "req-1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for response on SSE stream")
	}
}

func TestSSEServerRoutesAfterSessionStopped(t *testing.T) {
	server, testServer := newTestSSEServer(t)

	sessions := make(chan toolrpc.Session, 2)
	go func() {
		for s := range server.Sessions() {
			sessions <- s
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First session: stopped without ever draining its messages.
	stoppedClient := toolrpc.NewSSEClient(testServer.URL+"/connect", testServer.Client())
	stoppedSession, err := stoppedClient.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start first session: %v", err)
	}
	defer stoppedSession.Stop()

	var stoppedServerSession toolrpc.Session
	select {
	case stoppedServerSession = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first server session")
	}
	go func() {
		for range stoppedServerSession.Messages() {
		}
	}()
	stoppedServerSession.Stop()

	// Flood the stopped session with more messages than its receive buffer holds;
	// none of them may stall the routing loop.
	for i := 0; i < 10; i++ {
		if err := stoppedSession.Send(ctx, toolrpc.Message{
			ID:     "stray",
			Method: toolrpc.MethodPing,
		}); err != nil {
			t.Fatalf("failed to send stray message %d: %v", i, err)
		}
	}

	// Second session: must still be served.
	liveClient := toolrpc.NewSSEClient(testServer.URL+"/connect", testServer.Client())
	liveSession, err := liveClient.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start second session: %v", err)
	}
	defer liveSession.Stop()

	var liveServerSession toolrpc.Session
	select {
	case liveServerSession = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for second server session")
	}
	defer liveServerSession.Stop()

	serverReceived := make(chan toolrpc.Message, 1)
	go func() {
		for msg := range liveServerSession.Messages() {
			serverReceived <- msg
		}
	}()

	if err := liveSession.Send(ctx, toolrpc.Message{ID: "live", Method: toolrpc.MethodPing}); err != nil {
		t.Fatalf("failed to send on live session: %v", err)
	}

	select {
	case got := <-serverReceived:
		if got.ID != "live" {
			t.Errorf("got ID %q, want %q", got.ID, "live")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("routing loop stopped serving after stray messages to a stopped session")
	}
}

func TestSSEHandleMessageNegativeCases(t *testing.T) {
	t.Run("missing session ID", func(t *testing.T) {
		_, testServer := newTestSSEServer(t)

		resp, err := testServer.Client().Post(testServer.URL+"/message", "application/json",
			bytes.NewReader([]byte(`{"id":"1","method":"ping"}`)))
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("got status %d, want 400", resp.StatusCode)
		}
	})

	t.Run("malformed message body", func(t *testing.T) {
		_, testServer := newTestSSEServer(t)

		resp, err := testServer.Client().Post(testServer.URL+"/message?sessionID=some-session",
			"application/json", bytes.NewReader([]byte(`{invalid json}`)))
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("got status %d, want 400", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("failed to read response body: %v", err)
		}

		var msg toolrpc.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Fatalf("error response is not valid json: %v", err)
		}
		if msg.Error == nil {
			t.Fatalf("expected error payload, got %s", body)
		}
		if msg.Error.Kind != toolrpc.KindMalformedMessage {
			t.Errorf("got kind %q, want %q", msg.Error.Kind, toolrpc.KindMalformedMessage)
		}
	})

	t.Run("invalid connection URL", func(t *testing.T) {
		client := toolrpc.NewSSEClient("http://non-existent-url-12345.local/connect", nil)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if _, err := client.StartSession(ctx); err == nil {
			t.Fatal("expected an error when connecting to invalid URL, got nil")
		}
	})
}
