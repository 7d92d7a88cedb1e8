package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/go-toolrpc"
)

// CalculateArgs is an argument struct for the calculate tool.
type CalculateArgs struct {
	Operation string  `json:"operation"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
}

var calculateSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "operation": {
        "type": "string",
        "enum": ["add", "subtract", "multiply", "divide"],
        "description": "Arithmetic operation to perform."
      },
      "a": {
        "type": "number",
        "description": "Left operand."
      },
      "b": {
        "type": "number",
        "description": "Right operand."
      }
    },
    "required": ["operation", "a", "b"]
  }
`)

// Calculate returns the calculate tool, which performs one of the four basic
// arithmetic operations on two numbers and produces the result as a JSON number.
// Dividing by zero fails the call.
func Calculate() (toolrpc.Tool, toolrpc.ToolHandler) {
	tool := toolrpc.Tool{
		Name:        "calculate",
		Description: "Perform basic arithmetic on two numbers.",
		InputSchema: calculateSchema,
	}
	return tool, toolrpc.ToolHandlerFunc(calculate)
}

func calculate(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var cArgs CalculateArgs
	if err := json.Unmarshal(args, &cArgs); err != nil {
		return nil, err
	}

	var result float64
	switch cArgs.Operation {
	case "add":
		result = cArgs.A + cArgs.B
	case "subtract":
		result = cArgs.A - cArgs.B
	case "multiply":
		result = cArgs.A * cArgs.B
	case "divide":
		if cArgs.B == 0 {
			return nil, errors.New("cannot divide by zero")
		}
		result = cArgs.A / cArgs.B
	default:
		// The schema rejects unknown operations before the handler runs; this guards
		// direct callers that skip validation.
		return nil, fmt.Errorf("unsupported operation: %s", cArgs.Operation)
	}

	bs, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return bs, nil
}

// RegisterAll registers the greet and calculate tools on the given registry.
func RegisterAll(registry *toolrpc.Registry) error {
	for _, reg := range []func() (toolrpc.Tool, toolrpc.ToolHandler){Greet, Calculate} {
		tool, handler := reg()
		if err := registry.Register(tool, handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", tool.Name, err)
		}
	}
	return nil
}
