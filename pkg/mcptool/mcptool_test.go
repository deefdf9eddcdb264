package mcptool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asap-proto/asap/pkg/envelope"
)

func TestCall_Unvalidated(t *testing.T) {
	r := NewRegistry()
	err := r.Register("echo", nil, func(_ context.Context, args map[string]any) (any, error) {
		return args, nil
	})
	require.NoError(t, err)

	result, err := r.Call(context.Background(), "echo", map[string]any{"x": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1)}, result)
}

func TestCall_UnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Call(context.Background(), "missing", nil)
	require.Error(t, err)
	var unknown ErrUnknownTool
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Tool)
}

func TestCall_SchemaValidation(t *testing.T) {
	r := NewRegistry()
	schema := map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	}
	err := r.Register("greet", schema, func(_ context.Context, args map[string]any) (any, error) {
		return "hello " + args["name"].(string), nil
	})
	require.NoError(t, err)

	result, err := r.Call(context.Background(), "greet", map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", result)

	_, err = r.Call(context.Background(), "greet", map[string]any{"name": 42})
	require.Error(t, err)

	_, err = r.Call(context.Background(), "greet", map[string]any{})
	require.Error(t, err)
}

func TestRegister_OverwritesExisting(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("t", nil, func(context.Context, map[string]any) (any, error) { return "v1", nil }))
	require.NoError(t, r.Register("t", nil, func(context.Context, map[string]any) (any, error) { return "v2", nil }))

	result, err := r.Call(context.Background(), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", result)
	assert.Equal(t, []string{"t"}, r.Names())
}

func TestHandleToolCall_Success(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("double", nil, func(_ context.Context, args map[string]any) (any, error) {
		n := args["n"].(float64)
		return n * 2, nil
	}))

	env, err := envelope.New("urn:asap:agent:caller", "urn:asap:agent:callee", "mcp.tool_call",
		envelope.MCPToolCallPayload{Tool: "double", Args: map[string]any{"n": float64(21)}})
	require.NoError(t, err)

	resp, err := r.HandleToolCall(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "mcp.tool_result", resp.PayloadType)
	assert.Equal(t, env.ID, resp.CorrelationID)
	assert.Equal(t, env.Recipient, resp.Sender)
	assert.Equal(t, env.Sender, resp.Recipient)

	var result envelope.MCPToolResultPayload
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Empty(t, result.Error)
	assert.Equal(t, float64(42), result.Result)
}

func TestHandleToolCall_UnknownToolProducesErrorResult(t *testing.T) {
	r := NewRegistry()

	env, err := envelope.New("urn:asap:agent:caller", "urn:asap:agent:callee", "mcp.tool_call", envelope.MCPToolCallPayload{Tool: "nope"})
	require.NoError(t, err)

	resp, err := r.HandleToolCall(context.Background(), env)
	require.NoError(t, err)

	var result envelope.MCPToolResultPayload
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Contains(t, result.Error, "unknown tool")
}
