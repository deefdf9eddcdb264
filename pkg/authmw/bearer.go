package authmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/asap-proto/asap/pkg/asaperr"
)

type principalKey struct{}

// WithPrincipal attaches a principal URN to ctx.
func WithPrincipal(ctx context.Context, urn string) context.Context {
	return context.WithValue(ctx, principalKey{}, urn)
}

// Principal extracts the principal URN attached by Bearer, or "" if
// none is present.
func Principal(ctx context.Context) string {
	urn, _ := ctx.Value(principalKey{}).(string)
	return urn
}

// ExtractBearerToken pulls the token out of a standard
// "Authorization: Bearer <token>" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", asaperr.New(asaperr.KindMissingBearer, "missing Authorization header", nil)
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", asaperr.New(asaperr.KindUnsupportedAuthScheme, "Authorization header must use the Bearer scheme", nil)
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", asaperr.New(asaperr.KindMissingBearer, "empty bearer token", nil)
	}
	return token, nil
}

// TokenValidator validates a raw bearer token and returns the principal
// URN it authenticates as. NewBearerValidator adapts one into the
// request-level validator shape that delegation.Router takes;
// delegation.TokenManager.Validate has a different signature and is not
// itself a TokenValidator.
type TokenValidator func(ctx context.Context, token string) (principalURN string, err error)

// Bearer builds HTTP middleware that extracts and validates the bearer
// token on every request, rejecting with 401 on failure and otherwise
// attaching the resulting principal URN to the request context. The
// principal is a bare URN string rather than a richer identity object,
// since agent identities are already URNs end to end.
func Bearer(validate TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearerToken(r)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			urn, err := validate(r.Context(), token)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), urn)))
		})
	}
}

// NewBearerValidator adapts a TokenValidator into the function shape
// pkg/delegation.Router expects (BearerValidator), so the same
// validation logic backs both the main dispatch endpoint's middleware
// and the delegation-issuance endpoint's caller check.
func NewBearerValidator(validate TokenValidator) func(r *http.Request) (string, error) {
	return func(r *http.Request) (string, error) {
		token, err := ExtractBearerToken(r)
		if err != nil {
			return "", err
		}
		return validate(r.Context(), token)
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if ae, ok := err.(*asaperr.ASAPError); ok {
		_, _ = w.Write([]byte(`{"error":{"code":"` + ae.Code() + `","message":"` + ae.Message() + `"}}`))
		return
	}
	_, _ = w.Write([]byte(`{"error":{"message":"unauthorized"}}`))
}
