package delegation

import (
	"context"
	"time"
)

// IssuedRecord is the durable record of a single token's minting:
// (jti, delegator, delegate, created_at).
type IssuedRecord struct {
	JTI       string
	Delegator string
	Delegate  string
	CreatedAt time.Time
}

// RevocationRecord is the durable record of a single token's revocation:
// (jti, revoked_at, reason).
type RevocationRecord struct {
	JTI       string
	RevokedAt time.Time
	Reason    string
}

// Store is the pluggable backend for delegation issuance and revocation
// state. Both the in-memory and the durable implementation expose
// AreRevoked as a single batched query for validator hot paths.
type Store interface {
	// RecordIssuance stores a new issuance record. jti must be unique.
	RecordIssuance(ctx context.Context, rec IssuedRecord) error
	// GetIssuance returns the issuance record for jti, if known.
	GetIssuance(ctx context.Context, jti string) (IssuedRecord, bool, error)
	// ListIssuedBy returns the jtis of every token issued by delegator
	// (i.e. every record whose Delegator field equals delegator) — the
	// edge set the cascade walks.
	ListIssuedBy(ctx context.Context, delegator string) ([]string, error)
	// Revoke marks jti revoked. Idempotent: revoking an already-revoked
	// jti is a no-op that leaves IsRevoked true.
	Revoke(ctx context.Context, jti, reason string) error
	// IsRevoked reports whether jti has been revoked.
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// AreRevoked batches IsRevoked over many jtis in one query.
	AreRevoked(ctx context.Context, jtis []string) (map[string]bool, error)
}
