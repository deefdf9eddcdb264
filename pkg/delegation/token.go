// Package delegation implements signed capability tokens with cascading
// revocation: issuance via a per-delegator Ed25519 KeySet, validation
// against a pluggable revocation Store, and an iterative cascade that
// revokes every descendant a delegate has issued in turn.
package delegation

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/asap-proto/asap/pkg/asaperr"
	"github.com/asap-proto/asap/pkg/envelope"
)

// DefaultTTL is used when Issue is called with a zero ttl.
const DefaultTTL = time.Hour

// Claims is the JWT claim set for a delegation token: standard
// registered claims (jti=ID, iss=Issuer, sub=Subject, exp, iat) plus a
// space-separated scope string.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Scopes splits the space-separated Scope claim into its members.
func (c Claims) Scopes() []string {
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}

// hasScope reports whether c's scope is a superset of required.
func (c Claims) hasScope(required []string) bool {
	granted := make(map[string]bool, len(c.Scope))
	for _, s := range c.Scopes() {
		granted[s] = true
	}
	for _, r := range required {
		if !granted[r] {
			return false
		}
	}
	return true
}

// TokenManager mints and validates delegation tokens, consulting a Store
// for revocation state on every validation.
type TokenManager struct {
	keys  KeySet
	store Store
	now   func() time.Time
}

// NewTokenManager constructs a TokenManager over keys and store.
func NewTokenManager(keys KeySet, store Store) *TokenManager {
	return &TokenManager{keys: keys, store: store, now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (tm *TokenManager) WithClock(now func() time.Time) *TokenManager {
	tm.now = now
	return tm
}

// Issue mints a delegation token on behalf of delegator, scoped to
// delegate (empty string for a bearer-wide token not bound to a specific
// delegate), with the given scopes and time-to-live. It records the
// issuance in the store before returning so the token is immediately
// subject to lookup and cascading revocation.
func (tm *TokenManager) Issue(ctx context.Context, delegator, delegate string, scopes []string, ttl time.Duration) (jti, compact string, err error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := tm.now().UTC()
	jti = envelope.NewULID()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    delegator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: strings.Join(scopes, " "),
	}
	if delegate != "" {
		claims.Subject = delegate
	}

	compact, err = tm.keys.Sign(delegator, claims)
	if err != nil {
		return "", "", err
	}

	if err := tm.store.RecordIssuance(ctx, IssuedRecord{
		JTI:       jti,
		Delegator: delegator,
		Delegate:  delegate,
		CreatedAt: now,
	}); err != nil {
		return "", "", err
	}

	return jti, compact, nil
}

// Validate verifies signature, expiry, revocation status, and that
// required is a subset of the token's granted scope, in that order.
func (tm *TokenManager) Validate(ctx context.Context, tokenString string, required []string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, tm.keys.KeyFunc())
	if err != nil || !token.Valid {
		return nil, asaperr.New(asaperr.KindInvalidJWT, "invalid delegation token", map[string]any{"error": errString(err)})
	}

	now := tm.now().UTC()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, asaperr.New(asaperr.KindExpiredToken, "delegation token expired", map[string]any{"jti": claims.ID})
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(now) {
		return nil, asaperr.New(asaperr.KindInvalidJWT, "delegation token issued in the future", map[string]any{"jti": claims.ID})
	}

	revoked, err := tm.store.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, asaperr.New(asaperr.KindIOError, "revocation lookup failed", map[string]any{"error": err.Error()})
	}
	if revoked {
		return nil, asaperr.New(asaperr.KindRevokedToken, "delegation token revoked", map[string]any{"jti": claims.ID})
	}

	if !claims.hasScope(required) {
		return nil, asaperr.New(asaperr.KindScopeDenied, "delegation token missing required scope", map[string]any{
			"jti": claims.ID, "required": required, "granted": claims.Scope,
		})
	}

	return claims, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
