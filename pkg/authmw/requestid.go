// Package authmw provides the HTTP middleware ambient stack:
// request-ID propagation, CORS, and bearer-token principal extraction.
// Grounded directly on core/pkg/auth's middleware set, trimmed to the
// single-tenant ASAP agent-identity model (a principal is just a URN,
// not a tenant/user/role triple).
package authmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestID injects a unique X-Request-ID into the request context and
// response header, reusing a client-supplied value when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom extracts the request ID injected by RequestID, or ""
// if none is present (e.g. in a test that calls a handler directly).
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
