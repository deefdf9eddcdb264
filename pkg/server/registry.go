package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/asap-proto/asap/pkg/envelope"
)

// HandlerFunc processes one inbound Envelope and returns the response
// Envelope to wrap as the JSON-RPC result.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// HandlerRegistry maps payload_type to the HandlerFunc that serves it.
// Lookup happens under the lock; handler execution happens outside it so
// concurrent dispatches never serialize on registry access.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sem      chan struct{}
}

// DefaultAsyncWorkers bounds how many DispatchAsync handlers run at once.
const DefaultAsyncWorkers = 8

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]HandlerFunc),
		sem:      make(chan struct{}, DefaultAsyncWorkers),
	}
}

// Register installs handler for payloadType, overwriting any existing
// entry.
func (r *HandlerRegistry) Register(payloadType string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[payloadType] = handler
}

// Lookup returns the handler registered for payloadType, if any.
func (r *HandlerRegistry) Lookup(payloadType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[payloadType]
	return h, ok
}

// ListHandlers returns a snapshot copy of the registered payload types,
// never a live view into the internal map.
func (r *HandlerRegistry) ListHandlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for pt := range r.handlers {
		out = append(out, pt)
	}
	return out
}

// Dispatch looks up and invokes the handler for env.PayloadType. The
// lookup happens under the registry lock; execution does not. A handler
// panic is recovered here and surfaced as an ordinary error carrying the
// envelope id.
func (r *HandlerRegistry) Dispatch(ctx context.Context, env *envelope.Envelope) (resp *envelope.Envelope, err error) {
	handler, ok := r.Lookup(env.PayloadType)
	if !ok {
		return nil, ErrHandlerNotFound{PayloadType: env.PayloadType}
	}
	defer func() {
		if rec := recover(); rec != nil {
			resp = nil
			err = fmt.Errorf("server: handler panic for envelope %s: %v", env.ID, rec)
		}
	}()
	return handler(ctx, env)
}

// DispatchResult is the outcome of a DispatchAsync call: exactly one of
// Envelope or Err is set.
type DispatchResult struct {
	Envelope *envelope.Envelope
	Err      error
}

// DispatchAsync invokes the handler for env.PayloadType on the bounded
// worker pool and returns immediately; the result arrives on the
// returned channel. A blocking handler therefore never holds up the
// caller's own loop, and at most DefaultAsyncWorkers handlers run
// concurrently.
func (r *HandlerRegistry) DispatchAsync(ctx context.Context, env *envelope.Envelope) <-chan DispatchResult {
	ch := make(chan DispatchResult, 1)
	go func() {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			ch <- DispatchResult{Err: ctx.Err()}
			return
		}
		resp, err := r.Dispatch(ctx, env)
		ch <- DispatchResult{Envelope: resp, Err: err}
	}()
	return ch
}

// ErrHandlerNotFound indicates no handler is registered for a payload
// type. Converted to the asap:transport/handler_not_found wire error at
// the HTTP boundary.
type ErrHandlerNotFound struct {
	PayloadType string
}

func (e ErrHandlerNotFound) Error() string {
	return "server: no handler registered for payload_type " + e.PayloadType
}
