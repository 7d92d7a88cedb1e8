package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
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

	registry := toolrpc.NewRegistry()
	if err := tools.RegisterAll(registry); err != nil {
		fmt.Println("Error: failed to register tools:", err)
		os.Exit(1)
	}

	srv := toolrpc.NewServer(toolrpc.NewSocketServer(listener), registry,
		toolrpc.WithServerPingInterval(30*time.Second),
	)
	go srv.Serve()

	cli := toolrpc.NewClient(toolrpc.NewSocketClient(listener.Addr().String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		fmt.Println("Error: failed to connect:", err)
		os.Exit(1)
	}
	defer cli.Close()

	list, err := cli.ListTools(ctx)
	if err != nil {
		fmt.Println("Error: failed to list tools:", err)
		os.Exit(1)
	}
	for _, tool := range list {
		fmt.Printf("tool: %s - %s\n", tool.Name, tool.Description)
	}

	res, err := cli.CallTool(ctx, "calculate", map[string]any{
		"operation": "add",
		"a":         2,
		"b":         3,
	})
	if err != nil {
		fmt.Println("Error: failed to call calculate:", err)
		os.Exit(1)
	}

	var sum float64
	if err := json.Unmarshal(res, &sum); err != nil {
		fmt.Println("Error: failed to unmarshal result:", err)
		os.Exit(1)
	}
	fmt.Println("2 + 3 =", sum)

	if err := srv.Shutdown(context.Background()); err != nil {
		fmt.Printf("Server forced to shutdown: %v", err)
	}
}
