package delegation

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// BearerValidator authenticates the caller of a delegation-mutating
// request and returns the authenticated principal's agent URN. JWKS
// fetching and OAuth2-specific validation are out of scope here —
// callers inject whatever validator their deployment needs.
type BearerValidator func(r *http.Request) (principalURN string, err error)

// IssueRequest is the body of POST /asap/delegations.
type IssueRequest struct {
	DelegateURN string   `json:"delegate_urn,omitempty"`
	Scope       []string `json:"scope"`
	TTLSeconds  int64    `json:"ttl_seconds,omitempty"`
}

// IssueResponse is the body returned by POST /asap/delegations.
type IssueResponse struct {
	JTI   string `json:"jti"`
	Token string `json:"token"`
}

// DelegationView is the public-facing shape returned by the GET routes;
// it never includes the signed token itself.
type DelegationView struct {
	JTI       string `json:"jti"`
	Delegator string `json:"delegator_urn"`
	Delegate  string `json:"delegate_urn,omitempty"`
	CreatedAt string `json:"created_at"`
	Revoked   bool   `json:"revoked"`
}

// Router mounts the /asap/delegations* HTTP routes. It is only wired
// into the server when both a Store and a BearerValidator are
// configured.
type Router struct {
	tm        *TokenManager
	store     Store
	validator BearerValidator
	logger    *slog.Logger
}

// NewRouter constructs a Router. validator authenticates issue, list and
// revoke; GET /asap/delegations/{id} needs none. validator may be nil,
// in which case issue, list, and revoke of a known jti always answer
// 401 (revoke of an unknown jti answers 404 before authentication).
func NewRouter(tm *TokenManager, store Store, validator BearerValidator) *Router {
	return &Router{tm: tm, store: store, validator: validator, logger: slog.Default()}
}

// Mount registers the delegation routes on mux.
func (rt *Router) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /asap/delegations", rt.handleIssue)
	mux.HandleFunc("GET /asap/delegations", rt.handleList)
	mux.HandleFunc("GET /asap/delegations/{id}", rt.handleGet)
	mux.HandleFunc("DELETE /asap/delegations/{id}", rt.handleRevoke)
}

func (rt *Router) authenticate(r *http.Request) (string, bool) {
	if rt.validator == nil {
		return "", false
	}
	principal, err := rt.validator(r)
	if err != nil || principal == "" {
		return "", false
	}
	return principal, true
}

func (rt *Router) handleIssue(w http.ResponseWriter, r *http.Request) {
	delegator, ok := rt.authenticate(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ttl := DefaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	jti, token, err := rt.tm.Issue(r.Context(), delegator, req.DelegateURN, req.Scope, ttl)
	if err != nil {
		rt.logger.Error("delegation issuance failed", "error", err, "delegator", delegator)
		writeJSONError(w, http.StatusInternalServerError, "issuance failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(IssueResponse{JTI: jti, Token: token})
}

func (rt *Router) handleList(w http.ResponseWriter, r *http.Request) {
	delegator, ok := rt.authenticate(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	jtis, err := rt.store.ListIssuedBy(r.Context(), delegator)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list failed")
		return
	}

	views := make([]DelegationView, 0, len(jtis))
	for _, jti := range jtis {
		if v, ok := rt.view(r, jti); ok {
			views = append(views, v)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (rt *Router) handleGet(w http.ResponseWriter, r *http.Request) {
	jti := r.PathValue("id")
	view, ok := rt.view(r, jti)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown delegation")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (rt *Router) handleRevoke(w http.ResponseWriter, r *http.Request) {
	jti := r.PathValue("id")

	rec, ok, err := rt.store.GetIssuance(r.Context(), jti)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown delegation")
		return
	}

	principal, authOK := rt.authenticate(r)
	if !authOK {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}
	if principal != rec.Delegator {
		writeJSONError(w, http.StatusForbidden, "only the issuing delegator may revoke this token")
		return
	}

	if err := RevokeCascade(r.Context(), rt.store, jti, "revoked via DELETE /asap/delegations/"+jti); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "revocation failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) view(r *http.Request, jti string) (DelegationView, bool) {
	rec, ok, err := rt.store.GetIssuance(r.Context(), jti)
	if err != nil || !ok {
		return DelegationView{}, false
	}
	revoked, _ := rt.store.IsRevoked(r.Context(), jti)
	return DelegationView{
		JTI:       rec.JTI,
		Delegator: rec.Delegator,
		Delegate:  rec.Delegate,
		CreatedAt: rec.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		Revoked:   revoked,
	}, true
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
