package envelope

// Skill describes one capability an agent can perform.
type Skill struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// Capability describes what an agent can do: protocol version, skills,
// state persistence, streaming, and MCP tool integration.
type Capability struct {
	ASAPVersion      string   `json:"asap_version"`
	Skills           []Skill  `json:"skills"`
	StatePersistence bool     `json:"state_persistence"`
	Streaming        bool     `json:"streaming"`
	MCPTools         []string `json:"mcp_tools,omitempty"`
}

// Endpoint is where an agent can be reached.
type Endpoint struct {
	ASAP   string `json:"asap"`
	Events string `json:"events,omitempty"`
}

// AuthScheme describes the authentication schemes an agent accepts.
type AuthScheme struct {
	Schemes []string       `json:"schemes"`
	OAuth2  map[string]any `json:"oauth2,omitempty"`
}

// Manifest is an agent's self-description, published at
// /.well-known/asap/manifest.json.
type Manifest struct {
	URN         string      `json:"urn"`
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Description string      `json:"description,omitempty"`
	Capability  Capability  `json:"capability"`
	Endpoints   Endpoint    `json:"endpoints"`
	Auth        *AuthScheme `json:"auth,omitempty"`
	Signature   string      `json:"signature,omitempty"`
}

// TaskRequestPayload is the payload carried by payload_type "task.request".
type TaskRequestPayload struct {
	ConversationID string `json:"conversation_id"`
	SkillID        string `json:"skill_id"`
	Input          any    `json:"input"`
}

// TaskResponsePayload is the payload carried by payload_type
// "task.response". correlation_id on the enclosing Envelope must
// reference the originating task.request.
type TaskResponsePayload struct {
	Status TaskStatus `json:"status"`
	Result any        `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// MCPToolCallPayload invokes an MCP tool exposed by the recipient.
type MCPToolCallPayload struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// MCPToolResultPayload carries the result of an MCP tool call.
type MCPToolResultPayload struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// MCPResourceDataPayload carries resource data requested via MCP.
type MCPResourceDataPayload struct {
	URI         string `json:"uri"`
	ContentType string `json:"content_type,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// AckPayload is a lightweight WebSocket-layer acknowledgement, not part
// of the JSON-RPC request/response envelope family.
type AckPayload struct {
	Type       string `json:"type"` // "ack"
	EnvelopeID string `json:"envelope_id"`
}
