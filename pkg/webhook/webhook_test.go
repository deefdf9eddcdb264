package webhook

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	addrs map[string][]net.IPAddr
	err   error
}

func (s stubResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.addrs[host], nil
}

func TestValidatorRejectsPrivateIPLiterals(t *testing.T) {
	v := NewValidator(ValidatorConfig{RequireHTTPS: true})
	ctx := context.Background()

	for _, u := range []string{
		"https://127.0.0.1/hook",
		"https://10.0.0.5/hook",
		"https://169.254.169.254/latest/meta-data",
		"https://[::1]/hook",
	} {
		err := v.Validate(ctx, u)
		assert.Error(t, err, "expected rejection for %s", u)
	}
}

func TestValidatorRejectsHTTPWhenHTTPSRequired(t *testing.T) {
	v := NewValidator(ValidatorConfig{RequireHTTPS: true})
	err := v.Validate(context.Background(), "http://example.com/hook")
	assert.Error(t, err)
}

func TestValidatorRejectsDNSRebinding(t *testing.T) {
	resolver := stubResolver{addrs: map[string][]net.IPAddr{
		"evil.example.com": {{IP: net.ParseIP("169.254.169.254")}},
	}}
	v := NewValidator(ValidatorConfig{RequireHTTPS: true, Resolver: resolver})
	err := v.Validate(context.Background(), "https://evil.example.com/hook")
	assert.Error(t, err, "DNS resolving to a blocked range must be rejected even for a plausible hostname")
}

func TestValidatorAllowsPublicAddress(t *testing.T) {
	resolver := stubResolver{addrs: map[string][]net.IPAddr{
		"api.example.com": {{IP: net.ParseIP("93.184.216.34")}},
	}}
	v := NewValidator(ValidatorConfig{RequireHTTPS: true, Resolver: resolver})
	err := v.Validate(context.Background(), "https://api.example.com/hook")
	assert.NoError(t, err)
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"b":2,"a":1}`)
	secret := []byte("s3cret")

	sig, err := Sign(body, secret)
	require.NoError(t, err)
	assert.Contains(t, sig, "sha256=")

	// Field order must not affect the signature, since signing happens
	// over the JCS-canonicalized form.
	reordered := []byte(`{"a":1,"b":2}`)
	sig2, err := Sign(reordered, secret)
	require.NoError(t, err)
	assert.Equal(t, sig, sig2)

	assert.True(t, Verify(body, secret, sig))
	assert.False(t, Verify(body, []byte("wrong"), sig))
}

func TestManagerDeliverSucceedsAfterRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.NotEmpty(t, r.Header.Get("X-ASAP-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Validator.RequireHTTPS = false
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = false
	cfg.RatePerSecond = 1000

	mgr := NewManager(cfg, nil)
	err := mgr.Deliver(context.Background(), srv.URL, []byte(`{"x":1}`), []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, mgr.DeadLetterQueue().Len())
}

func TestManagerDeadLettersAfterExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Validator.RequireHTTPS = false
	cfg.MaxRetries = 2
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.Jitter = false
	cfg.RatePerSecond = 1000

	var callbackEntries []DeadLetterEntry
	dlq := NewDeadLetterQueue()
	dlq.OnDeadLetter = func(e DeadLetterEntry) {
		callbackEntries = append(callbackEntries, e)
		panic("callback failures must never propagate")
	}

	mgr := NewManager(cfg, dlq)
	err := mgr.Deliver(context.Background(), srv.URL, []byte(`{"x":1}`), []byte("secret"))
	require.Error(t, err)

	require.Equal(t, 1, mgr.DeadLetterQueue().Len())
	entry := mgr.DeadLetterQueue().Entries()[0]
	assert.Equal(t, 3, entry.Attempts) // initial + 2 retries
	assert.Len(t, callbackEntries, 1)
}

func TestManagerDoesNotRetryOr4xxDeadLetter(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Validator.RequireHTTPS = false
	cfg.MaxRetries = 3
	cfg.BaseDelay = time.Millisecond
	cfg.Jitter = false
	cfg.RatePerSecond = 1000

	mgr := NewManager(cfg, nil)
	err := mgr.Deliver(context.Background(), srv.URL, []byte(`{"x":1}`), []byte("secret"))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, mgr.DeadLetterQueue().Len())
}

func TestManagerRejectsUnsafeTargetBeforeAnyRequest(t *testing.T) {
	cfg := DefaultConfig()
	mgr := NewManager(cfg, nil)
	err := mgr.Deliver(context.Background(), "https://127.0.0.1/hook", []byte(`{}`), []byte("s"))
	assert.Error(t, err)
	assert.Equal(t, 0, mgr.DeadLetterQueue().Len(), "SSRF rejection happens before delivery is attempted, so it never reaches the DLQ")
}
