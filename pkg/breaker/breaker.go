// Package breaker implements the three-state circuit breaker shared by
// the HTTP client and WebSocket transport: CLOSED -> OPEN -> HALF_OPEN ->
// CLOSED, with single-permit HALF_OPEN probing.
package breaker

import (
	"sync"
	"time"

	"github.com/asap-proto/asap/pkg/asaperr"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

const (
	DefaultThreshold = 5
	DefaultTimeout   = 60 * time.Second
)

// CircuitOpenError is returned by Allow when the breaker denies an
// attempt. It carries the base URL and current consecutive-failure count
// so callers can surface an actionable error.
type CircuitOpenError struct {
	BaseURL           string
	ConsecutiveFailures int
}

func (e *CircuitOpenError) Error() string {
	return "circuit breaker open for " + e.BaseURL
}

// AsASAPError converts the CircuitOpenError into the closed ASAPError
// taxonomy for surfacing over JSON-RPC.
func (e *CircuitOpenError) AsASAPError() *asaperr.ASAPError {
	return asaperr.New(asaperr.KindCircuitOpen, e.Error(), map[string]any{
		"base_url":             e.BaseURL,
		"consecutive_failures": e.ConsecutiveFailures,
	})
}

// Breaker is a single-instance, mutex-guarded circuit breaker. Every
// field read or write happens under mu.
type Breaker struct {
	mu sync.Mutex

	baseURL   string
	threshold int
	timeout   time.Duration

	state               State
	consecutiveFailures int
	openedAt            time.Time
	// halfOpenPermitIssued tracks whether the single HALF_OPEN probe has
	// already been handed out; cleared when the probe resolves.
	halfOpenPermitIssued bool

	now func() time.Time
}

// New creates a Breaker in the CLOSED state for the given base URL.
func New(baseURL string, threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Breaker{
		baseURL:   baseURL,
		threshold: threshold,
		timeout:   timeout,
		state:     Closed,
		now:       time.Now,
	}
}

// CanAttempt reports whether a new attempt may proceed, transitioning
// OPEN -> HALF_OPEN when the timeout has elapsed and granting the single
// HALF_OPEN permit exactly once.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = HalfOpen
			b.halfOpenPermitIssued = true
			return true
		}
		return false
	case HalfOpen:
		if !b.halfOpenPermitIssued {
			b.halfOpenPermitIssued = true
			return true
		}
		return false
	default:
		return false
	}
}

// Allow is CanAttempt, returning a CircuitOpenError when denied.
func (b *Breaker) Allow() error {
	if b.CanAttempt() {
		return nil
	}
	b.mu.Lock()
	failures := b.consecutiveFailures
	b.mu.Unlock()
	return &CircuitOpenError{BaseURL: b.baseURL, ConsecutiveFailures: failures}
}

// RecordSuccess closes the breaker (from any state) and resets the
// consecutive-failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.consecutiveFailures = 0
	b.halfOpenPermitIssued = false
}

// RecordFailure increments the consecutive-failure counter and opens the
// breaker once the threshold is reached (from CLOSED) or immediately (from
// HALF_OPEN, since the outstanding probe failed).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.consecutiveFailures++
		b.state = Open
		b.openedAt = b.now()
		b.halfOpenPermitIssued = false
	default:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.state = Open
			b.openedAt = b.now()
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// WithClock overrides the time source for deterministic testing.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}
