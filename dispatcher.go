package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// dispatcher resolves decoded requests against the tool registry, invokes handlers and
// produces the response message. Every request passes through the same sequence:
// received, validated, invoked, completed. A failure at any stage short-circuits to a
// completed response carrying the corresponding protocol error; a handler failure is
// mapped to a ToolExecutionError and never propagated as a transport fault.
type dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

func newDispatcher(registry *Registry, logger *slog.Logger) dispatcher {
	return dispatcher{
		registry: registry,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// dispatch produces exactly one response message for the given request.
func (d dispatcher) dispatch(ctx context.Context, msg Message) Message {
	switch msg.Method {
	case MethodPing:
		return resultMessage(msg.ID, json.RawMessage(`{}`))
	case MethodToolsList:
		return d.listTools(msg)
	case MethodToolsCall:
		return d.callTool(ctx, msg)
	default:
		d.logger.Info("unknown method requested", slog.String("method", msg.Method))
		return errorMessage(msg.ID, &Error{
			Code:    codeMethodNotFound,
			Kind:    KindUnknownTool,
			Message: fmt.Sprintf("unknown method: %s", msg.Method),
		})
	}
}

func (d dispatcher) listTools(msg Message) Message {
	result := ListToolsResult{Tools: d.registry.List()}
	resBs, err := json.Marshal(result)
	if err != nil {
		// Descriptors came from Register, so this cannot happen with well-formed tools.
		d.logger.Error("failed to marshal tool list", slog.String("err", err.Error()))
		return errorMessage(msg.ID, &Error{
			Code:    codeToolExecution,
			Kind:    KindToolExecutionError,
			Message: err.Error(),
		})
	}
	return resultMessage(msg.ID, resBs)
}

func (d dispatcher) callTool(ctx context.Context, msg Message) Message {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return errorMessage(msg.ID, &Error{
			Code:    codeParseError,
			Kind:    KindMalformedMessage,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		})
	}

	_, handler, err := d.registry.Resolve(params.Name)
	if err != nil {
		return errorMessage(msg.ID, &Error{
			Code:    codeMethodNotFound,
			Kind:    KindUnknownTool,
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
		})
	}

	if err := d.registry.Validate(params.Name, params.Arguments); err != nil {
		var protoErr *Error
		if errors.As(err, &protoErr) {
			return errorMessage(msg.ID, protoErr)
		}
		// Resolve succeeded just above, so the only remaining failure is a schema
		// violation already shaped as *Error; anything else is reported verbatim.
		return errorMessage(msg.ID, &Error{
			Code:    codeInvalidParams,
			Kind:    KindValidationError,
			Message: err.Error(),
		})
	}

	result, err := handler.Call(ctx, params.Arguments)
	if err != nil {
		d.logger.Info("tool handler failed",
			slog.String("tool", params.Name),
			slog.String("err", err.Error()))
		return errorMessage(msg.ID, &Error{
			Code:    codeToolExecution,
			Kind:    KindToolExecutionError,
			Message: err.Error(),
		})
	}

	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	return resultMessage(msg.ID, result)
}

func resultMessage(id MustString, result json.RawMessage) Message {
	return Message{
		ID:     id,
		Result: result,
	}
}

func errorMessage(id MustString, err *Error) Message {
	return Message{
		ID:    id,
		Error: err,
	}
}
