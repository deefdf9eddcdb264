package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/asap-proto/asap/pkg/lru"
)

// Config controls retry pacing and per-URL rate limiting for the
// delivery manager.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
	// RatePerSecond bounds sustained delivery throughput to a single
	// target URL; a short burst of one extra request is allowed.
	RatePerSecond float64
	// LimiterRegistryCapacity bounds how many per-URL rate limiters are
	// retained before the least-recently-used one is evicted.
	LimiterRegistryCapacity int
	Timeout                 time.Duration
	Validator               ValidatorConfig
}

// DefaultConfig returns production defaults for webhook delivery.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              5,
		BaseDelay:               time.Second,
		MaxDelay:                time.Minute,
		Jitter:                  true,
		RatePerSecond:           5,
		LimiterRegistryCapacity: 1024,
		Timeout:                 10 * time.Second,
		Validator:               ValidatorConfig{RequireHTTPS: true},
	}
}

// Manager delivers signed webhook payloads with SSRF validation,
// per-URL rate limiting, retry-with-backoff, and a dead-letter queue for
// deliveries that exhaust their retry budget.
type Manager struct {
	cfg       Config
	validator *Validator
	client    *http.Client
	limiters  *lru.Cache[string, *rate.Limiter]
	dlq       *DeadLetterQueue
	sleep     func(time.Duration)
}

// NewManager constructs a Manager. dlq may be nil, in which case a fresh
// DeadLetterQueue is created.
func NewManager(cfg Config, dlq *DeadLetterQueue) *Manager {
	if dlq == nil {
		dlq = NewDeadLetterQueue()
	}
	return &Manager{
		cfg:       cfg,
		validator: NewValidator(cfg.Validator),
		client:    &http.Client{Timeout: cfg.Timeout},
		limiters:  lru.New[string, *rate.Limiter](cfg.LimiterRegistryCapacity),
		dlq:       dlq,
		sleep:     time.Sleep,
	}
}

// DeadLetterQueue returns the manager's dead-letter queue.
func (m *Manager) DeadLetterQueue() *DeadLetterQueue { return m.dlq }

func (m *Manager) limiterFor(targetURL string) *rate.Limiter {
	return m.limiters.GetOrCreate(targetURL, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(m.cfg.RatePerSecond), int(m.cfg.RatePerSecond)+1)
	})
}

// Deliver validates targetURL, signs body with secret, and POSTs it with
// retry-with-backoff, making at most 1+MaxRetries attempts. It is
// synchronous: it returns once the delivery succeeds or gives up. A
// target that fails validation, or a 4xx answer, is returned as an error
// at once, with no retry and no dead-letter entry. A delivery whose
// attempts all fail (5xx or network error) is recorded to the
// dead-letter queue and returns the last error.
func (m *Manager) Deliver(ctx context.Context, targetURL string, body []byte, secret []byte) error {
	if err := m.validator.Validate(ctx, targetURL); err != nil {
		return err
	}

	sig, err := Sign(body, secret)
	if err != nil {
		return err
	}

	limiter := m.limiterFor(targetURL)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		attempts++
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		status, respErr := m.post(ctx, targetURL, body, sig)
		if respErr == nil && status >= 200 && status < 300 {
			return nil
		}

		// 4xx means the receiver rejected the payload; retrying or
		// dead-lettering won't change that.
		if respErr == nil && status >= 400 && status < 500 {
			return fmt.Errorf("webhook: delivery to %s rejected with status %d", targetURL, status)
		}

		if respErr != nil {
			lastErr = respErr
		} else {
			lastErr = fmt.Errorf("webhook: delivery to %s failed with status %d", targetURL, status)
		}

		if attempt == m.cfg.MaxRetries {
			break
		}
		m.backoffSleep(attempt)
	}

	m.dlq.Add(DeadLetterEntry{
		URL:        targetURL,
		Payload:    body,
		LastResult: lastErr.Error(),
		Attempts:   attempts,
		CreatedAt:  time.Now(),
	})
	return lastErr
}

func (m *Manager) post(ctx context.Context, targetURL string, body []byte, sig string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ASAP-Signature", sig)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// backoffSleep sleeps for min(base*2^attempt, max) with optional full
// jitter, mirroring pkg/client's retry pacing.
func (m *Manager) backoffSleep(attempt int) {
	delay := m.cfg.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > m.cfg.MaxDelay || delay <= 0 {
		delay = m.cfg.MaxDelay
	}
	if m.cfg.Jitter && delay > 0 {
		delay = jitter(delay)
	}
	m.sleep(delay)
}

func jitter(d time.Duration) time.Duration {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Duration(mathrand.Int63n(int64(d)))
	}
	n := int64(0)
	for _, b := range buf {
		n = n<<8 | int64(b)
	}
	if n < 0 {
		n = -n
	}
	return time.Duration(n % int64(d))
}
