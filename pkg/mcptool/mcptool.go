// Package mcptool implements MCP tool dispatch: a per-agent registry
// mapping tool name to implementation, gated by an allowlist-plus-
// compiled-schema check in front of dispatch, with JSON-Schema
// validation of tool arguments against the schema supplied to Register
// (the same map shape as envelope.Skill's InputSchema; the agent's
// Manifest itself is not consulted). A tool call arrives
// as an mcp.tool_call payload and is answered with an mcp.tool_result
// payload carrying the original request's correlation_id.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/asap-proto/asap/pkg/envelope"
)

// ToolFunc implements one MCP tool: given validated arguments, it
// returns a result or an error.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Registry is a per-agent map of tool name to implementation, each
// optionally guarded by a compiled JSON Schema for its arguments.
// Thread-safe: Register may run concurrently with Call.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]ToolFunc
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]ToolFunc),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register installs fn as the implementation of the tool named name.
// When inputSchema is non-nil, every call's arguments are validated
// against it (JSON Schema 2020-12) before fn runs; a nil inputSchema
// means the tool accepts any arguments. Overwrites any existing
// registration for name, matching pkg/server.HandlerRegistry.Register's
// overwrite semantics.
func (r *Registry) Register(name string, inputSchema map[string]any, fn ToolFunc) error {
	var compiled *jsonschema.Schema
	if inputSchema != nil {
		raw, err := json.Marshal(inputSchema)
		if err != nil {
			return fmt.Errorf("mcptool: marshal schema for %q: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "https://asap-proto.dev/schemas/mcptool/" + name + ".schema.json"
		if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
			return fmt.Errorf("mcptool: load schema for %q: %w", name, err)
		}
		compiled, err = c.Compile(url)
		if err != nil {
			return fmt.Errorf("mcptool: compile schema for %q: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
	if compiled != nil {
		r.schemas[name] = compiled
	} else {
		delete(r.schemas, name)
	}
	return nil
}

// ErrUnknownTool is returned by Call when no tool is registered under
// the requested name.
type ErrUnknownTool struct{ Tool string }

func (e ErrUnknownTool) Error() string { return "mcptool: unknown tool " + e.Tool }

// Call validates args against the tool's schema (if any) and invokes
// its implementation. The lookup happens under the registry lock;
// execution, like pkg/server.HandlerRegistry.Dispatch, happens outside
// it so concurrent tool calls never serialize on registry access.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	fn, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownTool{Tool: name}
	}
	if schema != nil {
		if args == nil {
			args = map[string]any{}
		}
		if err := schema.Validate(args); err != nil {
			return nil, fmt.Errorf("mcptool: %q: invalid arguments: %w", name, err)
		}
	}
	return fn(ctx, args)
}

// Names returns a snapshot of the registered tool names, never a live
// view into the internal map.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// HandleToolCall adapts Registry into a pkg/server.HandlerFunc for
// payload_type "mcp.tool_call": it decodes the call, invokes Call, and
// answers with an mcp.tool_result envelope (success or error) rather
// than propagating the tool's error up the dispatch chain — a failed
// tool call is a normal protocol outcome, not a transport failure. A
// payload that does not decode as an mcp.tool_call is returned as an
// error, with no envelope.
func (r *Registry) HandleToolCall(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	var call envelope.MCPToolCallPayload
	if err := json.Unmarshal(env.Payload, &call); err != nil {
		return nil, fmt.Errorf("mcptool: decode mcp.tool_call: %w", err)
	}

	result, callErr := r.Call(ctx, call.Tool, call.Args)

	resultPayload := envelope.MCPToolResultPayload{Result: result}
	if callErr != nil {
		resultPayload = envelope.MCPToolResultPayload{Error: callErr.Error()}
	}

	resp, err := envelope.New(env.Recipient, env.Sender, "mcp.tool_result", resultPayload)
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = env.ID
	return resp, nil
}
