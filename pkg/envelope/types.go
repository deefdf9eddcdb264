// Package envelope implements the ASAP on-wire message unit, agent
// manifests, task lifecycle entities, and the structural validation that
// guards every payload entering the protocol.
package envelope

import (
	"encoding/json"
	"regexp"
	"time"
)

// ASAPProtocolVersion is the semver-like protocol version this module
// implements and defaults new envelopes to.
const ASAPProtocolVersion = "1.0"

// MaxURNLength bounds the byte length of an agent URN.
const MaxURNLength = 255

// MaxTaskDepth bounds subtask recursion depth.
const MaxTaskDepth = 32

// agentURNPattern matches "urn:asap:agent:<name>[:<sub>]" where name/sub
// are lowercase alphanumeric-with-hyphens segments.
var agentURNPattern = regexp.MustCompile(`^urn:asap:agent:[a-z0-9-]+(:[a-z0-9-]+)?$`)

// ResponsePayloadTypes is the closed set of payload_type values that
// require a correlation_id.
var ResponsePayloadTypes = map[string]bool{
	"task.response":       true,
	"mcp.tool_result":     true,
	"mcp.resource_data":   true,
}

// Envelope is the atomic on-wire message unit exchanged between agents.
// It is immutable once constructed; handlers produce new Envelopes
// rather than mutating received ones.
type Envelope struct {
	ID            string            `json:"id"`
	ASAPVersion   string            `json:"asap_version"`
	Timestamp     time.Time         `json:"timestamp"`
	Sender        string            `json:"sender"`
	Recipient     string            `json:"recipient"`
	PayloadType   string            `json:"payload_type"`
	Payload       json.RawMessage   `json:"payload"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	Extensions    map[string]any    `json:"extensions,omitempty"`
}

// New constructs an Envelope, auto-generating ID and Timestamp when they
// are left zero-valued, matching the "auto-generated if absent" rule in
// the data model.
func New(sender, recipient, payloadType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:          NewULID(),
		ASAPVersion: ASAPProtocolVersion,
		Timestamp:   time.Now().UTC(),
		Sender:      sender,
		Recipient:   recipient,
		PayloadType: payloadType,
		Payload:     raw,
	}, nil
}

// IsResponseType reports whether payloadType belongs to the response/
// result set that requires a correlation_id.
func IsResponseType(payloadType string) bool {
	return ResponsePayloadTypes[payloadType]
}

// ValidAgentURN reports whether urn is a syntactically valid and
// length-bounded agent URN.
func ValidAgentURN(urn string) bool {
	if len(urn) == 0 || len(urn) > MaxURNLength {
		return false
	}
	return agentURNPattern.MatchString(urn)
}

// TaskStatus is the closed enum of task lifecycle states.
type TaskStatus string

const (
	TaskSubmitted      TaskStatus = "submitted"
	TaskWorking        TaskStatus = "working"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskCancelled      TaskStatus = "cancelled"
	TaskInputRequired  TaskStatus = "input_required"
)

// TerminalStatuses is the subset of TaskStatus values from which a task
// cannot transition further.
var TerminalStatuses = map[TaskStatus]bool{
	TaskCompleted: true,
	TaskFailed:    true,
	TaskCancelled: true,
}

// MessageRole identifies the originator of a Message within a Task.
type MessageRole string

const (
	RoleUser  MessageRole = "user"
	RoleAgent MessageRole = "agent"
)

// Part is a single content fragment of a Message — text, a structured
// payload, or a reference to an Artifact.
type Part struct {
	Kind     string          `json:"kind"` // "text" | "data" | "artifact_ref"
	Text     string          `json:"text,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	ArtifactID string        `json:"artifact_id,omitempty"`
}

// Message is a single communication turn within a Task's conversation.
type Message struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Role      MessageRole `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is a concrete output produced by task execution.
type Artifact struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"data,omitempty"`
	BlobRef     string    `json:"blob_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task is the fundamental unit of work with lifecycle management.
type Task struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SkillID        string     `json:"skill_id"`
	Status         TaskStatus `json:"status"`
	Depth          int        `json:"depth"`
	ParentTaskID   string     `json:"parent_task_id,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StateSnapshot is a versioned, caller-keyed checkpoint of task state.
type StateSnapshot struct {
	TaskID     string          `json:"task_id"`
	Version    int64           `json:"version"`
	Data       json.RawMessage `json:"data"`
	Checkpoint string          `json:"checkpoint,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
