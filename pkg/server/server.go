// Package server implements the ASAP HTTP server: JSON-RPC dispatch at
// POST /asap, the manifest and metrics endpoints, the handler registry,
// RFC 7807 error responses, and per-sender rate limiting.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/asap-proto/asap/pkg/asaperr"
	"github.com/asap-proto/asap/pkg/envelope"
	"github.com/asap-proto/asap/pkg/jsonrpc"
	"github.com/asap-proto/asap/pkg/ratelimit"
)

// MetricsExporter renders the current metric state as Prometheus text
// exposition. Implemented by pkg/observability.
type MetricsExporter interface {
	Export() string
}

// DelegationRouter mounts the delegation HTTP routes onto mux. Only
// called when a delegation store is configured.
type DelegationRouter func(mux *http.ServeMux)

// RequestObserver records one POST /asap request: the envelope's payload
// type (empty when the request never parsed that far), an outcome label,
// and the handling duration. Invoked for every request regardless of
// outcome.
type RequestObserver func(payloadType, outcome string, duration time.Duration)

// Config configures a Server.
type Config struct {
	Manifest         *envelope.Manifest
	Validator        *envelope.Validator
	Limiter          ratelimit.Store
	Policy           ratelimit.Policy
	Metrics          MetricsExporter
	Observe          RequestObserver
	MountDelegations DelegationRouter
	Logger           *slog.Logger
}

// Server is the ASAP HTTP server: one handler registry, one validator,
// one rate limiter, serving POST /asap plus the well-known manifest and
// metrics endpoints.
type Server struct {
	registry  *HandlerRegistry
	validator *envelope.Validator
	limiter   ratelimit.Store
	policy    ratelimit.Policy
	manifest  *envelope.Manifest
	metrics   MetricsExporter
	observe   RequestObserver
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New constructs a Server and registers its routes. Call
// Registry().Register(...) before or after New to wire payload-type
// handlers.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Validator == nil {
		cfg.Validator = envelope.NewValidator()
	}
	s := &Server{
		registry:  NewHandlerRegistry(),
		validator: cfg.Validator,
		limiter:   cfg.Limiter,
		policy:    cfg.Policy,
		manifest:  cfg.Manifest,
		metrics:   cfg.Metrics,
		observe:   cfg.Observe,
		logger:    cfg.Logger,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("/asap", s.handleRPC)
	s.mux.HandleFunc("/.well-known/asap/manifest.json", s.handleManifest)
	s.mux.HandleFunc("/asap/metrics", s.handleMetrics)
	if cfg.MountDelegations != nil {
		cfg.MountDelegations(s.mux)
	}

	return s
}

// Registry exposes the handler registry so callers can Register
// payload-type handlers.
func (s *Server) Registry() *HandlerRegistry {
	return s.registry
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	payloadType := ""
	outcome := "ok"
	defer func() {
		if s.observe != nil {
			s.observe(payloadType, outcome, time.Since(start))
		}
	}()

	if r.Method != http.MethodPost {
		outcome = "method_not_allowed"
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "only POST is supported on /asap")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		outcome = "parse_error"
		writeRPCError(w, nil, jsonrpc.CodeParseError, "Parse error", "", nil)
		return
	}

	if req.Method != "asap.send" {
		outcome = "invalid_request"
		writeRPCError(w, req.ID, jsonrpc.CodeInvalidRequest, "Invalid Request", "", map[string]any{"method": req.Method})
		return
	}

	var params jsonrpc.SendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		outcome = "invalid_envelope"
		writeRPCError(w, req.ID, jsonrpc.CodeInvalidParams, "Invalid params", "Invalid envelope", nil)
		return
	}

	var env envelope.Envelope
	if err := json.Unmarshal(params.Envelope, &env); err != nil {
		outcome = "invalid_envelope"
		writeRPCError(w, req.ID, jsonrpc.CodeInvalidParams, "Invalid params", "Invalid envelope", nil)
		return
	}
	payloadType = env.PayloadType
	if result := s.validator.Validate(&env); !result.Valid {
		outcome = "invalid_envelope"
		writeRPCError(w, req.ID, jsonrpc.CodeInvalidParams, "Invalid params", "Invalid envelope", map[string]any{"errors": result.Errors})
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), env.Sender, s.policy, 1)
		if err == nil && !allowed {
			outcome = "rate_limited"
			retryAfter := 60 / s.policy.RPM
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
			return
		}
		// Fail open on limiter errors: a misbehaving limiter should never
		// block all traffic.
	}

	respEnv, err := s.registry.Dispatch(r.Context(), &env)
	if err != nil {
		outcome = "handler_error"
		s.writeDispatchError(w, req.ID, env.ID, err)
		return
	}

	envBytes, err := json.Marshal(respEnv)
	if err != nil {
		outcome = "internal_error"
		writeRPCError(w, req.ID, jsonrpc.CodeInternalError, "Internal error", "", nil)
		return
	}
	resultBytes, err := json.Marshal(jsonrpc.EnvelopeResult{Envelope: envBytes})
	if err != nil {
		outcome = "internal_error"
		writeRPCError(w, req.ID, jsonrpc.CodeInternalError, "Internal error", "", nil)
		return
	}

	resp := jsonrpc.Response{JSONRPC: jsonrpc.Version, Result: resultBytes, ID: req.ID}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeDispatchError translates a handler-dispatch failure into the
// JSON-RPC error shape, preserving the ASAP taxonomy code in data.code
// when the handler returned an *asaperr.ASAPError.
func (s *Server) writeDispatchError(w http.ResponseWriter, id json.RawMessage, envelopeID string, err error) {
	if _, ok := err.(ErrHandlerNotFound); ok {
		writeRPCError(w, id, jsonrpc.CodeInternalError, "Handler not found",
			asaperr.New(asaperr.KindHandlerNotFound, err.Error(), nil).Code(), nil)
		return
	}

	if asapErr, ok := err.(*asaperr.ASAPError); ok {
		writeRPCError(w, id, jsonrpc.CodeInternalError, asapErr.Message(), asapErr.Code(), asapErr.Details())
		return
	}

	s.logger.Error("handler error", "envelope_id", envelopeID, "error", err)
	writeRPCError(w, id, jsonrpc.CodeInternalError, "Internal error", "", nil)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "only GET is supported")
		return
	}
	if s.manifest == nil {
		writeProblem(w, http.StatusNotFound, "Not Found", "no manifest configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.manifest)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "only GET is supported")
		return
	}
	if s.metrics == nil {
		writeProblem(w, http.StatusNotFound, "Not Found", "metrics not configured")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.Export()))
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message, asapCode string, details map[string]any) {
	rpcErr := jsonrpc.NewError(code, message, asapCode, details)
	resp := jsonrpc.Response{JSONRPC: jsonrpc.Version, Error: rpcErr, ID: id}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// problemDetail is a minimal RFC 7807 response body, used for the
// non-JSON-RPC endpoints.
type problemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemDetail{
		Type:   fmt.Sprintf("https://asap-proto.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// ShutdownTimeout is the default grace period given to in-flight
// requests when a caller stops an *http.Server built around this
// handler.
const ShutdownTimeout = 10 * time.Second
