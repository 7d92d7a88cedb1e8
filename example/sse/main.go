package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/MegaGrindStone/go-toolrpc"
	"github.com/MegaGrindStone/go-toolrpc/tools"
)

func main() {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Println("Error: failed to listen:", err)
		os.Exit(1)
	}
	baseURL := fmt.Sprintf("http://%s", listener.Addr())

	transport := toolrpc.NewSSEServer(baseURL + "/message")

	mux := http.NewServeMux()
	mux.Handle("/connect", transport.HandleSSE())
	mux.Handle("/message", transport.HandleMessage())

	httpServer := &http.Server{Handler: mux}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Println("Error: http server failed:", err)
		}
	}()

	registry := toolrpc.NewRegistry()
	if err := tools.RegisterAll(registry); err != nil {
		fmt.Println("Error: failed to register tools:", err)
		os.Exit(1)
	}

	srv := toolrpc.NewServer(transport, registry)
	go srv.Serve()

	cli := toolrpc.NewClient(toolrpc.NewSSEClient(baseURL+"/connect", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		fmt.Println("Error: failed to connect:", err)
		os.Exit(1)
	}
	defer cli.Close()

	res, err := cli.CallTool(ctx, "greet", map[string]any{"name": "Ada"})
	if err != nil {
		fmt.Println("Error: failed to call greet:", err)
		os.Exit(1)
	}

	var greeting string
	if err := json.Unmarshal(res, &greeting); err != nil {
		fmt.Println("Error: failed to unmarshal greeting:", err)
		os.Exit(1)
	}
	fmt.Println(greeting)

	if err := srv.Shutdown(context.Background()); err != nil {
		fmt.Printf("Server forced to shutdown: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("HTTP server forced to shutdown: %v", err)
	}
}
