// Package ratelimit implements per-caller-key rate limiting via a token
// bucket: each caller (an API key, or "anonymous" when none is presented)
// gets its own bucket of capacity burst, refilled at rpmLimit/60 tokens per
// second. Two interchangeable backends are available, mirroring the
// internal/cache split between a Redis-shared store and an in-process one.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// backend is the pluggable token-bucket store. allow consumes one token from
// key's bucket (creating it at full capacity on first use) and reports
// whether the request may proceed.
type backend interface {
	allow(ctx context.Context, key string, capacity int, refillPerSec float64) (bool, error)
}

// RPMLimiter enforces a per-caller-key requests-per-minute budget using a
// token bucket. Allow is safe for concurrent use.
type RPMLimiter struct {
	backend      backend
	rpmLimit     int
	capacity     int
	refillPerSec float64
}

// NewRPMLimiter creates an RPMLimiter backed by Redis, shared across all
// gateway replicas. burst is the per-caller bucket capacity; a non-positive
// value defaults to rpmLimit (i.e. a caller may burst up to a full minute's
// budget instantly, then refill gradually).
func NewRPMLimiter(rdb *redis.Client, rpmLimit, burst int) *RPMLimiter {
	return newRPMLimiter(&redisBackend{rdb: rdb}, rpmLimit, burst)
}

// NewMemoryRPMLimiter creates an RPMLimiter backed by an in-process map, for
// single-instance deployments or local development where Redis isn't
// available.
func NewMemoryRPMLimiter(rpmLimit, burst int) *RPMLimiter {
	return newRPMLimiter(newMemoryBackend(), rpmLimit, burst)
}

func newRPMLimiter(b backend, rpmLimit, burst int) *RPMLimiter {
	if burst <= 0 {
		burst = rpmLimit
	}
	return &RPMLimiter{
		backend:      b,
		rpmLimit:     rpmLimit,
		capacity:     burst,
		refillPerSec: float64(rpmLimit) / 60.0,
	}
}

// Allow reports whether callerKey (an API key hash, or "" for an
// unauthenticated caller) may proceed, consuming one token from its bucket
// if so. Each caller is tracked independently — one caller exhausting its
// budget never blocks another.
func (r *RPMLimiter) Allow(ctx context.Context, callerKey string) (bool, error) {
	if callerKey == "" {
		callerKey = "anonymous"
	}
	return r.backend.allow(ctx, "ratelimit:rpm:"+callerKey, r.capacity, r.refillPerSec)
}

// tokenBucketScript atomically refills and consumes from a per-key token
// bucket stored as a Redis hash (tokens, ts).
// KEYS[1] = bucket key
// ARGV[1] = capacity
// ARGV[2] = refill rate (tokens/sec)
// ARGV[3] = now (unix seconds, float)
// Returns: 1 if allowed, 0 if the bucket was empty.
var tokenBucketScript = redis.NewScript(`
		local key          = KEYS[1]
		local capacity     = tonumber(ARGV[1])
		local refill_rate  = tonumber(ARGV[2])
		local now          = tonumber(ARGV[3])

		local bucket = redis.call('HMGET', key, 'tokens', 'ts')
		local tokens = tonumber(bucket[1])
		local ts     = tonumber(bucket[2])

		if tokens == nil then
			tokens = capacity
			ts = now
		end

		local elapsed = math.max(0, now - ts)
		tokens = math.min(capacity, tokens + elapsed * refill_rate)

		local allowed = 0
		if tokens >= 1 then
			allowed = 1
			tokens = tokens - 1
		end

		redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
		redis.call('EXPIRE', key, 120)
		return allowed
`)

// redisBackend stores one bucket per key as a Redis hash, shared across
// replicas via the atomic tokenBucketScript.
type redisBackend struct {
	rdb *redis.Client
}

func (b *redisBackend) allow(ctx context.Context, key string, capacity int, refillPerSec float64) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9

	result, err := tokenBucketScript.Run(ctx, b.rdb,
		[]string{key},
		capacity, refillPerSec, now,
	).Int()
	if err != nil {
		// Redis unavailable — allow the request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}

// bucket is one caller's in-process token bucket.
type bucket struct {
	tokens float64
	ts     time.Time
}

// memoryBackend is an in-process token-bucket store, one bucket per key. A
// background goroutine periodically evicts buckets idle long enough to have
// fully refilled, so the map doesn't grow unbounded with one-shot callers.
type memoryBackend struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newMemoryBackend() *memoryBackend {
	b := &memoryBackend{buckets: make(map[string]*bucket)}
	go b.cleanupLoop()
	return b
}

func (b *memoryBackend) allow(_ context.Context, key string, capacity int, refillPerSec float64) (bool, error) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{tokens: float64(capacity), ts: now}
		b.buckets[key] = bk
	}

	elapsed := now.Sub(bk.ts).Seconds()
	if elapsed > 0 {
		bk.tokens = minFloat(float64(capacity), bk.tokens+elapsed*refillPerSec)
		bk.ts = now
	}

	if bk.tokens < 1 {
		return false, nil
	}
	bk.tokens--
	return true, nil
}

func (b *memoryBackend) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		b.mu.Lock()
		for k, bk := range b.buckets {
			if bk.ts.Before(cutoff) {
				delete(b.buckets, k)
			}
		}
		b.mu.Unlock()
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
