// Package client implements the ASAP HTTP client: retry with exponential
// backoff and jitter, circuit-breaker gating per base URL, a shared
// connection pool, and a TTL manifest cache.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/asap-proto/asap/pkg/asaperr"
	"github.com/asap-proto/asap/pkg/breaker"
	"github.com/asap-proto/asap/pkg/envelope"
	"github.com/asap-proto/asap/pkg/jsonrpc"
	"github.com/asap-proto/asap/pkg/lru"
)

// Config configures a Client.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          bool
	Timeout         time.Duration
	RequireHTTPS    bool
	PoolCapacity    int
	BreakerThreshold int
	BreakerTimeout  time.Duration
	ManifestTTL     time.Duration
	// BreakerRegistryCapacity bounds the number of per-base-URL circuit
	// breakers retained (LRU evicted beyond this).
	BreakerRegistryCapacity int
}

// DefaultConfig returns production defaults for outbound ASAP calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		BaseDelay:               500 * time.Millisecond,
		MaxDelay:                30 * time.Second,
		Jitter:                  true,
		Timeout:                 30 * time.Second,
		RequireHTTPS:            true,
		PoolCapacity:            100,
		BreakerThreshold:        breaker.DefaultThreshold,
		BreakerTimeout:          breaker.DefaultTimeout,
		ManifestTTL:             5 * time.Minute,
		BreakerRegistryCapacity: 256,
	}
}

type manifestCacheEntry struct {
	manifest  *envelope.Manifest
	expiresAt time.Time
}

// Client is the ASAP HTTP client. A single Client owns one connection
// pool, one circuit-breaker registry keyed by base URL, and one manifest
// cache; all three survive across Send calls and are released only by
// Close.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breakers   *lru.Cache[string, *breaker.Breaker]
	manifests  *lru.Cache[string, *manifestCacheEntry]
	now        func() time.Time
	sleep      func(time.Duration)
}

// New creates a Client with its own connection pool sized per cfg.
func New(cfg Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolCapacity,
		MaxIdleConnsPerHost: cfg.PoolCapacity,
		MaxConnsPerHost:     cfg.PoolCapacity,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		breakers:   lru.New[string, *breaker.Breaker](cfg.BreakerRegistryCapacity),
		manifests:  lru.New[string, *manifestCacheEntry](cfg.BreakerRegistryCapacity),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Close releases the underlying connection pool.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) breakerFor(baseURL string) *breaker.Breaker {
	return c.breakers.GetOrCreate(baseURL, func() *breaker.Breaker {
		return breaker.New(baseURL, c.cfg.BreakerThreshold, c.cfg.BreakerTimeout)
	})
}

func baseURLOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

func (c *Client) checkScheme(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return asaperr.New(asaperr.KindInvalidSchema, "malformed URL", map[string]any{"url": rawURL})
	}
	if u.Scheme == "http" && c.cfg.RequireHTTPS {
		return asaperr.New(asaperr.KindInvalidSchema, "http scheme rejected; set RequireHTTPS=false to allow", map[string]any{"url": rawURL})
	}
	return nil
}

// Send wraps env in a JSON-RPC "asap.send" request, POSTs it to baseURL,
// and returns the unwrapped response Envelope.
func (c *Client) Send(ctx context.Context, baseURL string, env *envelope.Envelope) (*envelope.Envelope, error) {
	if err := c.checkScheme(baseURL); err != nil {
		return nil, err
	}

	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("client: marshal envelope: %w", err)
	}
	params, err := json.Marshal(jsonrpc.SendParams{Envelope: envBytes})
	if err != nil {
		return nil, fmt.Errorf("client: marshal params: %w", err)
	}
	req := jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		Method:  "asap.send",
		Params:  params,
		ID:      json.RawMessage(fmt.Sprintf("%q", envelope.NewULID())),
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}

	respBody, err := c.doWithRetry(ctx, baseURL, reqBody)
	if err != nil {
		return nil, err
	}

	var rpcResp jsonrpc.Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, asaperr.New(asaperr.KindInvalidSchema, "malformed JSON-RPC response", nil)
	}
	if rpcResp.Error != nil {
		return nil, &ASAPRemoteError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message, Data: rpcResp.Error.Data}
	}

	var result jsonrpc.EnvelopeResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, asaperr.New(asaperr.KindInvalidSchema, "malformed JSON-RPC result", nil)
	}
	var respEnv envelope.Envelope
	if err := json.Unmarshal(result.Envelope, &respEnv); err != nil {
		return nil, asaperr.New(asaperr.KindInvalidSchema, "malformed envelope in result", nil)
	}
	return &respEnv, nil
}

// ASAPRemoteError wraps an arbitrary failure surfaced by a peer over
// JSON-RPC (the "remote" error-taxonomy area).
type ASAPRemoteError struct {
	Code    int
	Message string
	Data    map[string]any
}

func (e *ASAPRemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// BatchResult is one slot of a SendBatch call: exactly one of Envelope or
// Err is set.
type BatchResult struct {
	Envelope *envelope.Envelope
	Err      error
}

// batchConcurrency bounds how many Send calls one SendBatch runs at a
// time, so a large batch cannot exhaust the connection pool by itself.
const batchConcurrency = 16

// SendBatch issues len(envs) Send calls concurrently (bounded fan-out),
// preserving input order in the returned slice. Errors for individual
// envelopes are reported per-slot rather than aborting the batch.
func (c *Client) SendBatch(ctx context.Context, baseURL string, envs []*envelope.Envelope) []BatchResult {
	results := make([]BatchResult, len(envs))
	sem := make(chan struct{}, batchConcurrency)
	done := make(chan int, len(envs))

	for i, env := range envs {
		go func(i int, env *envelope.Envelope) {
			sem <- struct{}{}
			defer func() { <-sem }()
			respEnv, err := c.Send(ctx, baseURL, env)
			results[i] = BatchResult{Envelope: respEnv, Err: err}
			done <- i
		}(i, env)
	}
	for range envs {
		<-done
	}
	return results
}

// GetManifest fetches the Manifest at manifestURL, serving from cache
// when present and unexpired.
func (c *Client) GetManifest(ctx context.Context, manifestURL string) (*envelope.Manifest, error) {
	if entry, ok := c.manifests.Get(manifestURL); ok {
		if c.now().Before(entry.expiresAt) {
			return entry.manifest, nil
		}
	}

	if err := c.checkScheme(manifestURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: manifest fetch failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var m envelope.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("client: malformed manifest: %w", err)
	}

	c.manifests.Put(manifestURL, &manifestCacheEntry{manifest: &m, expiresAt: c.now().Add(c.cfg.ManifestTTL)})
	return &m, nil
}

// doWithRetry performs the POST with a retry/backoff/breaker loop:
// non-retryable 4xx responses fail fast, 429/5xx responses and
// transport errors retry with exponential backoff (honoring
// Retry-After on 429) up to MaxRetries attempts, and every outcome is
// reported to the per-base-URL circuit breaker.
func (c *Client) doWithRetry(ctx context.Context, baseURL string, body []byte) ([]byte, error) {
	base, err := baseURLOf(baseURL)
	if err != nil {
		return nil, err
	}
	br := c.breakerFor(base)

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := br.Allow(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			br.RecordFailure()
			lastErr = doErr
			if attempt == c.cfg.MaxRetries-1 {
				break
			}
			c.backoffSleep(attempt, 0)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			br.RecordFailure()
			lastErr = readErr
			if attempt == c.cfg.MaxRetries-1 {
				break
			}
			c.backoffSleep(attempt, 0)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			br.RecordSuccess()
			return respBody, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			br.RecordFailure()
			lastErr = fmt.Errorf("client: 429 rate limited")
			if attempt == c.cfg.MaxRetries-1 {
				break
			}
			c.backoffSleep(attempt, retryAfterSeconds(resp.Header.Get("Retry-After")))
			continue

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			br.RecordFailure()
			return nil, &ASAPRemoteError{Code: resp.StatusCode, Message: "non-retryable client error", Data: map[string]any{"body": string(respBody)}}

		default: // 5xx
			br.RecordFailure()
			lastErr = fmt.Errorf("client: server error %d", resp.StatusCode)
			if attempt == c.cfg.MaxRetries-1 {
				break
			}
			c.backoffSleep(attempt, 0)
			continue
		}
		break
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("client: request failed after %d attempts", c.cfg.MaxRetries)
	}
	return nil, lastErr
}

// retryAfterSeconds parses a numeric-seconds Retry-After header value.
// HTTP-date values fall back to 0, meaning computed backoff applies.
func retryAfterSeconds(header string) int {
	if header == "" {
		return 0
	}
	n, err := strconv.Atoi(header)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// backoffSleep sleeps for min(base*2^attempt, max), honoring an explicit
// Retry-After override in seconds when retryAfter > 0, plus jitter if
// enabled.
func (c *Client) backoffSleep(attempt int, retryAfter int) {
	var delay time.Duration
	if retryAfter > 0 {
		delay = time.Duration(retryAfter) * time.Second
	} else {
		delay = c.cfg.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > c.cfg.MaxDelay {
			delay = c.cfg.MaxDelay
		}
	}
	if c.cfg.Jitter {
		delay += jitterDuration(delay)
	}
	c.sleep(delay)
}

func jitterDuration(delay time.Duration) time.Duration {
	max := float64(delay) * 0.1
	if max <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Duration(mathrand.Float64() * max)
	}
	frac := float64(buf[0]) / 255.0
	return time.Duration(frac * max)
}
