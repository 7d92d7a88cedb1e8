package toolrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrDuplicateTool is returned by Register when a tool with the same name is already
	// present and replacement was not requested.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrUnknownTool is returned by Resolve when no tool with the given name is registered.
	ErrUnknownTool = errors.New("unknown tool")
)

// RegisterOption represents the options for a single Register call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	replace bool
}

// WithReplace returns a RegisterOption that allows Register to replace an existing tool
// with the same name instead of failing with ErrDuplicateTool.
func WithReplace() RegisterOption {
	return func(o *registerOptions) {
		o.replace = true
	}
}

// Registry maps tool names to their descriptors and handlers. It is shared read-mostly
// across all sessions on a server: Resolve, Validate and List are safe for concurrent
// callers without coordination, while Register takes exclusive access.
//
// Each tool's input schema is compiled once at registration time, so per-call validation
// never re-parses the schema document.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
}

type registeredTool struct {
	tool    Tool
	handler ToolHandler
	schema  *jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]registeredTool),
	}
}

// Register adds a tool and its handler to the registry. The tool's InputSchema is
// compiled as a JSON Schema; an empty schema accepts any object. Registration fails
// with ErrDuplicateTool if the name is already present, unless WithReplace is given.
// Registration is atomic: on any failure the registry is left unchanged.
func (r *Registry) Register(tool Tool, handler ToolHandler, options ...RegisterOption) error {
	var opts registerOptions
	for _, opt := range options {
		opt(&opts)
	}

	if tool.Name == "" {
		return errors.New("tool name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("register %s: nil handler", tool.Name)
	}

	schemaDoc := tool.InputSchema
	if len(schemaDoc) == 0 {
		schemaDoc = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := jsonschema.CompileString(tool.Name+".schema.json", string(schemaDoc))
	if err != nil {
		return fmt.Errorf("register %s: failed to compile input schema: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		if !opts.replace {
			return fmt.Errorf("register %s: %w", tool.Name, ErrDuplicateTool)
		}
	} else {
		r.order = append(r.order, tool.Name)
	}

	r.tools[tool.Name] = registeredTool{
		tool:    tool,
		handler: handler,
		schema:  schema,
	}
	return nil
}

// Resolve looks up a tool by name, returning its descriptor and handler. It fails with
// ErrUnknownTool when the name is absent.
func (r *Registry) Resolve(name string) (Tool, ToolHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.tools[name]
	if !ok {
		return Tool{}, nil, fmt.Errorf("resolve %s: %w", name, ErrUnknownTool)
	}
	return rt.tool, rt.handler, nil
}

// Validate checks the given arguments against the named tool's input schema. It returns
// nil when the arguments conform, an *Error of kind ValidationError listing the
// violating fields under Data["fields"] when they do not, and ErrUnknownTool when the
// tool is absent. Fields not mentioned in the schema are ignored.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("validate %s: %w", name, ErrUnknownTool)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return &Error{
			Code:    codeInvalidParams,
			Kind:    KindValidationError,
			Message: fmt.Sprintf("arguments are not a valid json object: %s", err.Error()),
		}
	}

	if err := rt.schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			fields := violations(ve)
			return &Error{
				Code:    codeInvalidParams,
				Kind:    KindValidationError,
				Message: fmt.Sprintf("arguments do not conform to the %s input schema", name),
				Data:    map[string]any{"fields": fields},
			}
		}
		return &Error{
			Code:    codeInvalidParams,
			Kind:    KindValidationError,
			Message: err.Error(),
		}
	}

	return nil
}

// List returns the descriptors of all registered tools in first-registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		if rt, ok := r.tools[name]; ok {
			tools = append(tools, rt.tool)
		}
	}
	return tools
}

// violations flattens a jsonschema validation error tree into one human-readable entry
// per leaf cause, prefixed with the offending field path where the schema reports one.
func violations(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := strings.TrimPrefix(ve.InstanceLocation, "/")
		if loc == "" {
			return []string{ve.Message}
		}
		return []string{loc + ": " + ve.Message}
	}

	var out []string
	for _, cause := range ve.Causes {
		out = append(out, violations(cause)...)
	}
	return out
}
