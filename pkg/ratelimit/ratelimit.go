// Package ratelimit implements the token-bucket rate limiting used at
// the HTTP RPC boundary (the webhook and WebSocket outbound senders
// throttle with golang.org/x/time/rate instead), behind a single Store interface with both an in-memory and a Redis
// backend so deployments can choose single-instance or distributed
// enforcement without changing caller code.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy bounds how fast one actor may proceed.
type Policy struct {
	RPM   int // requests per minute
	Burst int // bucket capacity
}

// Store abstracts where rate-limit bucket state lives.
type Store interface {
	// Allow reports whether actorID may spend cost tokens under policy.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// tokenBucket is a single actor's bucket: thread-safe, lazily refilled
// on each Allow call rather than on a background ticker.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

func newTokenBucket(ratePerSec float64, capacity int, now func() time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: now(),
		now:        now,
	}
}

func (tb *tokenBucket) allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// InMemoryStore keeps one token bucket per actor in a process-local
// map. Suitable for single-instance deployments or tests; multi-instance
// deployments should use RedisStore instead.
type InMemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewInMemoryStore creates an empty in-memory rate limiter store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{buckets: make(map[string]*tokenBucket), now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (s *InMemoryStore) WithClock(now func() time.Time) *InMemoryStore {
	s.now = now
	return s
}

// Allow implements Store.
func (s *InMemoryStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, ok := s.buckets[actorID]
	if !ok {
		rate := float64(policy.RPM) / 60.0
		if rate <= 0 {
			rate = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = policy.RPM
		}
		tb = newTokenBucket(rate, burst, s.now)
		s.buckets[actorID] = tb
	}
	return tb.allow(cost), nil
}

// redisTokenBucketScript atomically refills and consumes a token bucket
// stored as a Redis hash, expiring idle buckets after 60s.
//
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens/sec)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, float)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisStore implements Store on top of a shared Redis instance, for
// deployments running more than one ASAP server process.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a RedisStore using client, namespacing bucket
// keys under keyPrefix (defaults to "asap:ratelimit:" when empty).
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "asap:ratelimit:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	key := s.keyPrefix + actorID

	rate := float64(policy.RPM) / 60.0
	if rate <= 0 {
		rate = 1
	}
	burst := policy.Burst
	if burst <= 0 {
		burst = policy.RPM
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key}, rate, burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script failed: %w", err)
	}

	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected redis script result %T", res)
	}
	return allowed == 1, nil
}
