// Package tools provides the reference tools served by the examples and the
// conformance tests: a greeter and a four-operation calculator. They double as a
// template for wiring new tools into a toolrpc.Registry.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/go-toolrpc"
)

// GreetArgs is an argument struct for the greet tool.
type GreetArgs struct {
	Name string `json:"name"`
}

var greetSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "name": {
        "type": "string",
        "description": "Name of the person to greet."
      }
    },
    "required": ["name"]
  }
`)

// Greet returns the greet tool, which produces the greeting "Hello, <name>!" as a
// JSON string.
func Greet() (toolrpc.Tool, toolrpc.ToolHandler) {
	tool := toolrpc.Tool{
		Name:        "greet",
		Description: "Greet a person by name.",
		InputSchema: greetSchema,
	}
	return tool, toolrpc.ToolHandlerFunc(greet)
}

func greet(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var gArgs GreetArgs
	if err := json.Unmarshal(args, &gArgs); err != nil {
		return nil, err
	}

	greeting, err := json.Marshal(fmt.Sprintf("Hello, %s!", gArgs.Name))
	if err != nil {
		return nil, err
	}
	return greeting, nil
}
