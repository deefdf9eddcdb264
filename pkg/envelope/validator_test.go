package envelope

import (
	"encoding/json"
	"testing"
	"time"
)

func validEnvelope() *Envelope {
	raw, _ := json.Marshal(TaskRequestPayload{ConversationID: "c1", SkillID: "echo", Input: map[string]any{"m": "hi"}})
	return &Envelope{
		ID:          NewULID(),
		ASAPVersion: ASAPProtocolVersion,
		Timestamp:   time.Now().UTC(),
		Sender:      "urn:asap:agent:alice",
		Recipient:   "urn:asap:agent:bob",
		PayloadType: "task.request",
		Payload:     raw,
	}
}

func TestValidate_ValidEnvelope(t *testing.T) {
	v := NewValidator()
	result := v.Validate(validEnvelope())
	if !result.Valid {
		t.Fatalf("expected valid envelope, got errors: %+v", result.Errors)
	}
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	v := NewValidator()
	env := &Envelope{}
	result := v.Validate(env)
	if result.Valid {
		t.Fatal("expected invalid result for empty envelope")
	}
	fields := map[string]bool{}
	for _, e := range result.Errors {
		fields[e.Field] = true
	}
	for _, f := range []string{"id", "asap_version", "payload_type"} {
		if !fields[f] {
			t.Errorf("expected missing-field error for %q", f)
		}
	}
}

func TestValidate_ResponseTypeRequiresCorrelationID(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	env.PayloadType = "task.response"
	env.CorrelationID = ""

	result := v.Validate(env)
	if result.Valid {
		t.Fatal("expected invalid result when response type lacks correlation_id")
	}
	found := false
	for _, e := range result.Errors {
		if e.Code == "MISSING_CORRELATION_ID" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected MISSING_CORRELATION_ID error code")
	}

	env.CorrelationID = NewULID()
	result = v.Validate(env)
	if !result.Valid {
		t.Fatalf("expected valid once correlation_id is set, got: %+v", result.Errors)
	}
}

func TestValidate_InvalidAgentURN(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	env.Sender = "not-a-urn"

	result := v.Validate(env)
	if result.Valid {
		t.Fatal("expected invalid result for malformed sender URN")
	}
}

func TestValidAgentURN_LengthBound(t *testing.T) {
	long := "urn:asap:agent:"
	for len(long) <= MaxURNLength {
		long += "a"
	}
	if ValidAgentURN(long) {
		t.Fatal("expected URN exceeding MaxURNLength to be rejected")
	}
}

func TestValidate_TimestampOutOfWindow(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	v := NewValidator().WithClock(func() time.Time { return fixed })

	env := validEnvelope()
	env.Timestamp = fixed.Add(-time.Hour)

	result := v.ValidateWithWindow(env)
	if result.Valid {
		t.Fatal("expected timestamp-out-of-window to be flagged")
	}

	env.Timestamp = fixed.Add(-time.Second)
	result = v.ValidateWithWindow(env)
	if !result.Valid {
		t.Fatalf("expected recent timestamp to pass, got: %+v", result.Errors)
	}
}

func TestIsHex32(t *testing.T) {
	if !isHex32("0123456789abcdef0123456789ABCDEF") {
		t.Fatal("expected valid 32-hex string to pass")
	}
	if isHex32("too-short") {
		t.Fatal("expected short string to fail")
	}
	if isHex32("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz") {
		t.Fatal("expected non-hex characters to fail")
	}
}
