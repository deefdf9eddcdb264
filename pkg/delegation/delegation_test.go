package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager() (*TokenManager, Store) {
	store := NewInMemoryStore()
	tm := NewTokenManager(NewInMemoryKeySet(), store)
	return tm, store
}

func TestIssueAndValidate(t *testing.T) {
	tm, _ := newManager()
	ctx := context.Background()

	jti, token, err := tm.Issue(ctx, "urn:asap:agent:p", "urn:asap:agent:a", []string{"task.read", "task.write"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, jti)
	require.NotEmpty(t, token)

	claims, err := tm.Validate(ctx, token, []string{"task.read"})
	require.NoError(t, err)
	assert.Equal(t, jti, claims.ID)
	assert.Equal(t, "urn:asap:agent:p", claims.Issuer)
	assert.Equal(t, "urn:asap:agent:a", claims.Subject)
}

func TestValidateRejectsMissingScope(t *testing.T) {
	tm, _ := newManager()
	ctx := context.Background()

	_, token, err := tm.Issue(ctx, "urn:asap:agent:p", "urn:asap:agent:a", []string{"task.read"}, time.Hour)
	require.NoError(t, err)

	_, err = tm.Validate(ctx, token, []string{"task.write"})
	require.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	store := NewInMemoryStore()
	clock := time.Now()
	tm := NewTokenManager(NewInMemoryKeySet(), store).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	_, token, err := tm.Issue(ctx, "urn:asap:agent:p", "", nil, time.Second)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Second)
	_, err = tm.Validate(ctx, token, nil)
	require.Error(t, err)
}

func TestValidateRejectsRevoked(t *testing.T) {
	tm, store := newManager()
	ctx := context.Background()

	jti, token, err := tm.Issue(ctx, "urn:asap:agent:p", "urn:asap:agent:a", nil, time.Hour)
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, jti, "test"))
	_, err = tm.Validate(ctx, token, nil)
	require.Error(t, err)
}

func TestRevokeIsIdempotent(t *testing.T) {
	_, store := newManager()
	ctx := context.Background()
	require.NoError(t, store.RecordIssuance(ctx, IssuedRecord{JTI: "t1", Delegator: "p", CreatedAt: time.Now()}))

	require.NoError(t, store.Revoke(ctx, "t1", "first"))
	require.NoError(t, store.Revoke(ctx, "t1", "second"))

	revoked, err := store.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

// TestCascadeChain exercises S4: chain P->A->B->C, revoking P->A must
// cascade to A->B and B->C.
func TestCascadeChain(t *testing.T) {
	_, store := newManager()
	ctx := context.Background()

	issue := func(jti, delegator, delegate string) {
		require.NoError(t, store.RecordIssuance(ctx, IssuedRecord{
			JTI: jti, Delegator: delegator, Delegate: delegate, CreatedAt: time.Now(),
		}))
	}
	issue("p->a", "P", "A")
	issue("a->b", "A", "B")
	issue("b->c", "B", "C")

	require.NoError(t, RevokeCascade(ctx, store, "p->a", "cascade test"))

	for _, jti := range []string{"p->a", "a->b", "b->c"} {
		revoked, err := store.IsRevoked(ctx, jti)
		require.NoError(t, err)
		assert.True(t, revoked, "%s should be revoked", jti)
	}
}

// TestCascadeCycleTerminates exercises S4's cycle case: X->Y and Y->X
// must both end up revoked without looping forever.
func TestCascadeCycleTerminates(t *testing.T) {
	_, store := newManager()
	ctx := context.Background()

	require.NoError(t, store.RecordIssuance(ctx, IssuedRecord{JTI: "x->y", Delegator: "X", Delegate: "Y", CreatedAt: time.Now()}))
	require.NoError(t, store.RecordIssuance(ctx, IssuedRecord{JTI: "y->x", Delegator: "Y", Delegate: "X", CreatedAt: time.Now()}))

	done := make(chan error, 1)
	go func() { done <- RevokeCascade(ctx, store, "x->y", "cycle test") }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cascade did not terminate on a cyclic graph")
	}

	for _, jti := range []string{"x->y", "y->x"} {
		revoked, err := store.IsRevoked(ctx, jti)
		require.NoError(t, err)
		assert.True(t, revoked)
	}
}

// TestCascadeBoundedDepth verifies the MAX_CASCADE_DEPTH bound: a linear
// chain longer than maxDepth only revokes down to the bound.
func TestCascadeBoundedDepth(t *testing.T) {
	_, store := newManager()
	ctx := context.Background()

	const chainLen = 10
	prev := "P"
	for i := 0; i < chainLen; i++ {
		cur := prev + "x"
		require.NoError(t, store.RecordIssuance(ctx, IssuedRecord{
			JTI: prev + "->" + cur, Delegator: prev, Delegate: cur, CreatedAt: time.Now(),
		}))
		prev = cur
	}

	require.NoError(t, RevokeCascadeDepth(ctx, store, "P->Px", "bounded", 2))

	revoked, err := store.IsRevoked(ctx, "P->Px")
	require.NoError(t, err)
	assert.True(t, revoked)

	for _, jti := range []string{"Px->Pxx", "Pxx->Pxxx"} {
		revoked, err := store.IsRevoked(ctx, jti)
		require.NoError(t, err)
		assert.True(t, revoked, jti)
	}

	revoked, err = store.IsRevoked(ctx, "Pxxx->Pxxxx")
	require.NoError(t, err)
	assert.False(t, revoked, "a token past the depth bound stays valid")
}

func TestAreRevokedBatched(t *testing.T) {
	_, store := newManager()
	ctx := context.Background()

	require.NoError(t, store.RecordIssuance(ctx, IssuedRecord{JTI: "a", Delegator: "p", CreatedAt: time.Now()}))
	require.NoError(t, store.RecordIssuance(ctx, IssuedRecord{JTI: "b", Delegator: "p", CreatedAt: time.Now()}))
	require.NoError(t, store.Revoke(ctx, "a", "test"))

	result, err := store.AreRevoked(ctx, []string{"a", "b", "unknown"})
	require.NoError(t, err)
	assert.True(t, result["a"])
	assert.False(t, result["b"])
	assert.False(t, result["unknown"])
}
