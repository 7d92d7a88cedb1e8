package toolrpc_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/go-toolrpc"
)

func echoHandler() toolrpc.ToolHandler {
	return toolrpc.ToolHandlerFunc(func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	})
}

func TestRegistryRegister(t *testing.T) {
	registry := toolrpc.NewRegistry()

	err := registry.Register(toolrpc.Tool{
		Name:        "echo",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, echoHandler())
	require.NoError(t, err)

	tool, handler, err := registry.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", tool.Name)
	require.NotNil(t, handler)

	res, err := handler.Call(context.Background(), json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(res))
}

func TestRegistryRegisterInvalid(t *testing.T) {
	registry := toolrpc.NewRegistry()

	err := registry.Register(toolrpc.Tool{}, echoHandler())
	require.Error(t, err, "empty tool name must be rejected")

	err = registry.Register(toolrpc.Tool{Name: "echo"}, nil)
	require.Error(t, err, "nil handler must be rejected")

	err = registry.Register(toolrpc.Tool{
		Name:        "broken",
		InputSchema: json.RawMessage(`{"type":`),
	}, echoHandler())
	require.Error(t, err, "unparseable schema must be rejected")

	// The failed registrations must not have touched the registry.
	assert.Empty(t, registry.List())
}

func TestRegistryDuplicate(t *testing.T) {
	registry := toolrpc.NewRegistry()

	require.NoError(t, registry.Register(toolrpc.Tool{Name: "echo"}, echoHandler()))

	err := registry.Register(toolrpc.Tool{Name: "echo"}, echoHandler())
	require.ErrorIs(t, err, toolrpc.ErrDuplicateTool)

	replacement := toolrpc.ToolHandlerFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"replaced"`), nil
	})
	err = registry.Register(toolrpc.Tool{Name: "echo", Description: "v2"}, replacement, toolrpc.WithReplace())
	require.NoError(t, err)

	tool, handler, err := registry.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "v2", tool.Description)

	res, err := handler.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, `"replaced"`, string(res))

	// Replacement keeps the original registration position.
	assert.Len(t, registry.List(), 1)
}

func TestRegistryResolveUnknown(t *testing.T) {
	registry := toolrpc.NewRegistry()

	_, _, err := registry.Resolve("missing")
	require.ErrorIs(t, err, toolrpc.ErrUnknownTool)
}

func TestRegistryListOrder(t *testing.T) {
	registry := toolrpc.NewRegistry()

	names := []string{"zeta", "alpha", "midway"}
	for _, name := range names {
		require.NoError(t, registry.Register(toolrpc.Tool{Name: name}, echoHandler()))
	}

	tools := registry.List()
	require.Len(t, tools, len(names))
	for i, name := range names {
		assert.Equal(t, name, tools[i].Name, "tools must list in first-registration order")
	}
}

func TestRegistryValidate(t *testing.T) {
	registry := toolrpc.NewRegistry()

	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"count": {"type": "integer"}
		},
		"required": ["name"]
	}`)
	require.NoError(t, registry.Register(toolrpc.Tool{Name: "greet", InputSchema: schema}, echoHandler()))

	t.Run("conforming arguments", func(t *testing.T) {
		err := registry.Validate("greet", json.RawMessage(`{"name":"Ada","count":2}`))
		assert.NoError(t, err)
	})

	t.Run("extra fields ignored", func(t *testing.T) {
		err := registry.Validate("greet", json.RawMessage(`{"name":"Ada","unknown":true}`))
		assert.NoError(t, err)
	})

	t.Run("missing required field", func(t *testing.T) {
		err := registry.Validate("greet", json.RawMessage(`{"count":2}`))
		require.Error(t, err)

		var protoErr *toolrpc.Error
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, toolrpc.KindValidationError, protoErr.Kind)
		assert.Equal(t, -32602, protoErr.Code)
		require.Contains(t, protoErr.Data, "fields")
		assert.NotEmpty(t, protoErr.Data["fields"])
	})

	t.Run("wrong field type", func(t *testing.T) {
		err := registry.Validate("greet", json.RawMessage(`{"name":42}`))
		require.Error(t, err)

		var protoErr *toolrpc.Error
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, toolrpc.KindValidationError, protoErr.Kind)
		require.Contains(t, protoErr.Data, "fields")
	})

	t.Run("arguments not json", func(t *testing.T) {
		err := registry.Validate("greet", json.RawMessage(`{broken`))
		require.Error(t, err)

		var protoErr *toolrpc.Error
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, toolrpc.KindValidationError, protoErr.Kind)
	})

	t.Run("unknown tool", func(t *testing.T) {
		err := registry.Validate("missing", json.RawMessage(`{}`))
		require.ErrorIs(t, err, toolrpc.ErrUnknownTool)
	})
}

func TestRegistryValidateEmptySchema(t *testing.T) {
	registry := toolrpc.NewRegistry()

	require.NoError(t, registry.Register(toolrpc.Tool{Name: "anything"}, echoHandler()))

	// An empty schema accepts any object, including no arguments at all.
	assert.NoError(t, registry.Validate("anything", nil))
	assert.NoError(t, registry.Validate("anything", json.RawMessage(`{"a":1,"b":"two"}`)))

	// But it still requires an object.
	err := registry.Validate("anything", json.RawMessage(`"just a string"`))
	require.Error(t, err)
	var protoErr *toolrpc.Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, toolrpc.KindValidationError, protoErr.Kind)
}
