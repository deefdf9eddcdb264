package delegation

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet maps a delegator URN to the Ed25519 key used to sign tokens it
// issues, and back again for verification. One key per delegator, not one
// key per process, since any agent in the mesh may mint delegation tokens.
type KeySet interface {
	// Sign signs claims with the delegator's key, embedding the
	// delegator URN in the token header so KeyFunc can find it again.
	Sign(delegatorURN string, claims jwt.Claims) (string, error)
	// KeyFunc returns the jwt.Keyfunc used to verify a token, looking up
	// the signing key by the delegator URN carried in the header.
	KeyFunc() jwt.Keyfunc
}

// InMemoryKeySet lazily generates one Ed25519 key pair per delegator URN
// the first time it is asked to sign on that URN's behalf.
type InMemoryKeySet struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewInMemoryKeySet creates an empty in-memory key set.
func NewInMemoryKeySet() *InMemoryKeySet {
	return &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
}

func (ks *InMemoryKeySet) keyFor(delegatorURN string) (ed25519.PrivateKey, error) {
	ks.mu.RLock()
	key, ok := ks.keys[delegatorURN]
	ks.mu.RUnlock()
	if ok {
		return key, nil
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if key, ok := ks.keys[delegatorURN]; ok {
		return key, nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("delegation: generate key for %s: %w", delegatorURN, err)
	}
	ks.keys[delegatorURN] = priv
	return priv, nil
}

// Sign implements KeySet.
func (ks *InMemoryKeySet) Sign(delegatorURN string, claims jwt.Claims) (string, error) {
	key, err := ks.keyFor(delegatorURN)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = delegatorURN
	return token.SignedString(key)
}

// KeyFunc implements KeySet.
func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("delegation: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("delegation: missing kid header")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, ok := ks.keys[kid]
		if !ok {
			return nil, fmt.Errorf("delegation: unknown signing key for %s", kid)
		}
		return key.Public(), nil
	}
}
