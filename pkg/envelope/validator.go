package envelope

import (
	"fmt"
	"time"
)

// ValidationError represents a single structural or invariant violation
// found while validating an Envelope.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult is the outcome of validating an Envelope.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validator validates Envelopes for structural correctness and the
// invariants in the data model: required fields, well-formed URNs, and
// correlation_id presence on response payload types. This is
// fail-closed: any issue results in an invalid result.
type Validator struct {
	// clock allows deterministic time in tests.
	clock func() time.Time
	// maxClockSkew bounds how far Timestamp may drift from clock() when
	// a caller opts into timestamp-window checking via
	// ValidateWithWindow.
	maxClockSkew time.Duration
}

// NewValidator creates a Validator with production defaults.
func NewValidator() *Validator {
	return &Validator{clock: time.Now, maxClockSkew: 5 * time.Minute}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate performs structural validation of an Envelope.
func (v *Validator) Validate(env *Envelope) *ValidationResult {
	result := &ValidationResult{Valid: true}

	v.requireNonEmpty(result, "id", env.ID)
	v.requireNonEmpty(result, "asap_version", env.ASAPVersion)
	v.requireNonEmpty(result, "payload_type", env.PayloadType)

	if env.Sender != "" && !ValidAgentURN(env.Sender) {
		v.addError(result, "sender", "INVALID_URN",
			fmt.Sprintf("sender %q is not a valid agent URN", env.Sender))
	}
	if env.Recipient != "" && !ValidAgentURN(env.Recipient) {
		v.addError(result, "recipient", "INVALID_URN",
			fmt.Sprintf("recipient %q is not a valid agent URN", env.Recipient))
	}

	if IsResponseType(env.PayloadType) && env.CorrelationID == "" {
		v.addError(result, "correlation_id", "MISSING_CORRELATION_ID",
			fmt.Sprintf("payload_type %q requires correlation_id", env.PayloadType))
	}

	if env.TraceID != "" && !isHex32(env.TraceID) {
		v.addError(result, "trace_id", "INVALID_TRACE_ID",
			"trace_id must be 32 hex characters")
	}

	return result
}

// ValidateWithWindow is Validate plus a timestamp-out-of-window check:
// the envelope's Timestamp must fall within maxClockSkew of the
// validator's clock. Not part of the baseline Validate because most
// callers (e.g. replaying stored envelopes) have no reason to reject
// envelopes by age.
func (v *Validator) ValidateWithWindow(env *Envelope) *ValidationResult {
	result := v.Validate(env)
	now := v.clock().UTC()
	skew := now.Sub(env.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxClockSkew {
		v.addError(result, "timestamp", "TIMESTAMP_OUT_OF_WINDOW",
			fmt.Sprintf("timestamp %s is outside the %s validity window", env.Timestamp, v.maxClockSkew))
	}
	return result
}

func (v *Validator) requireNonEmpty(result *ValidationResult, field, value string) {
	if value == "" {
		v.addError(result, field, "REQUIRED", fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{Field: field, Code: code, Message: message})
}

func isHex32(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
