package toolrpc

import (
	"encoding/json"
	"fmt"
	"math"
)

// MustString is a type that enforces string representation for message IDs, which peers
// may send as either a string or an integer. It handles automatic conversion during JSON
// marshaling/unmarshaling.
type MustString string

// Message represents a single protocol message. It is a tagged union whose shape is
// determined by which fields are populated:
//   - Request: ID and Method are set
//   - Response: ID and exactly one of Result or Error are set
//   - Notification: Method is set (no ID)
type Message struct {
	// ID uniquely identifies a request-response pair within a session.
	ID MustString `json:"id,omitempty"`
	// Method contains the operation name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the operation as a raw JSON message.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *Error `json:"error,omitempty"`
}

// Error represents a protocol-level error carried on a response message. Code follows
// the JSON-RPC convention, while Kind names the error category from the protocol's
// taxonomy so callers can branch without comparing numeric codes.
type Error struct {
	// Code indicates the error type that occurred using JSON-RPC style codes.
	Code int `json:"code"`

	// Kind is the protocol error category, one of the Kind constants.
	Kind string `json:"kind"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Tool describes a callable tool: its unique name and the JSON Schema its arguments
// must conform to. InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallToolParams contains the parameters of a tools/call request.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute.
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs.
	// Must satisfy the tool's InputSchema.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ListToolsResult is the result of a tools/list request.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// Protocol error kinds. Every Error sent on the wire carries one of these.
const (
	// KindMalformedMessage indicates the wire bytes did not parse into a valid Message.
	KindMalformedMessage = "MalformedMessage"
	// KindUnknownTool indicates a request named a tool (or method) that is not registered.
	KindUnknownTool = "UnknownTool"
	// KindValidationError indicates the request arguments violated the tool's input
	// schema. The offending fields are listed under Data["fields"].
	KindValidationError = "ValidationError"
	// KindToolExecutionError indicates the tool handler itself failed; Message carries
	// the handler-supplied detail.
	KindToolExecutionError = "ToolExecutionError"
)

const (
	// MethodToolsList is the method name for retrieving the list of registered tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"
	// MethodPing is the method name for session health checks.
	MethodPing = "ping"

	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolExecution  = -32000
)

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		// A numeric ID must be a whole number; truncating a fractional one would
		// silently alias distinct IDs.
		if v != math.Trunc(v) {
			return fmt.Errorf("non-integer id: %v", v)
		}
		*m = MustString(fmt.Sprintf("%d", int64(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (e Error) Error() string {
	return fmt.Sprintf("request error, kind: %s, code: %d, message: %s", e.Kind, e.Code, e.Message)
}
