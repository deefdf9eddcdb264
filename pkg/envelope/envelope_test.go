package envelope

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	original := validEnvelope()
	original.TraceID = "0123456789abcdef0123456789abcdef"
	original.Extensions = map[string]any{"span_id": "abc123", "nonce": "n-1"}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if decoded.ID != original.ID ||
		decoded.ASAPVersion != original.ASAPVersion ||
		decoded.Sender != original.Sender ||
		decoded.Recipient != original.Recipient ||
		decoded.PayloadType != original.PayloadType ||
		decoded.TraceID != original.TraceID {
		t.Fatalf("round-trip mismatch: original=%+v decoded=%+v", original, decoded)
	}

	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Fatalf("timestamp mismatch: %s != %s", decoded.Timestamp, original.Timestamp)
	}

	var decodedPayload, originalPayload TaskRequestPayload
	if err := json.Unmarshal(decoded.Payload, &decodedPayload); err != nil {
		t.Fatalf("decode payload failed: %v", err)
	}
	if err := json.Unmarshal(original.Payload, &originalPayload); err != nil {
		t.Fatalf("decode original payload failed: %v", err)
	}
	if !reflect.DeepEqual(decodedPayload, originalPayload) {
		t.Fatalf("payload mismatch: %+v != %+v", decodedPayload, originalPayload)
	}
}

func TestNew_AutoGeneratesIDAndTimestamp(t *testing.T) {
	env, err := New("urn:asap:agent:alice", "urn:asap:agent:bob", "task.request",
		TaskRequestPayload{ConversationID: "c1", SkillID: "echo", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(env.ID) != 26 {
		t.Fatalf("expected auto-generated 26-char ULID, got %q", env.ID)
	}
	if env.Timestamp.IsZero() {
		t.Fatal("expected auto-generated timestamp")
	}
}

func TestIsResponseType(t *testing.T) {
	for _, pt := range []string{"task.response", "mcp.tool_result", "mcp.resource_data"} {
		if !IsResponseType(pt) {
			t.Errorf("expected %q to be a response type", pt)
		}
	}
	if IsResponseType("task.request") {
		t.Fatal("task.request must not be classified as a response type")
	}
}
