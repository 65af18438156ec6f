package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Coalescer ensures at most one concurrent upstream computation per cache
// key: concurrent callers with the same key block on a shared in-flight
// call and all receive the same result (or the same error) once it
// completes — no retry coalescing across independent errors (§4.6, §9).
//
// A Coalescer wraps a Cache backend; it is the backend-agnostic half of
// single-flight caching, so it works identically over MemoryCache and
// ExactCache.
type Coalescer struct {
	cache Cache
	group singleflight.Group
}

// NewCoalescer wraps backend with single-flight request coalescing.
func NewCoalescer(backend Cache) *Coalescer {
	return &Coalescer{cache: backend}
}

// Get proxies to the underlying cache.
func (c *Coalescer) Get(ctx context.Context, key string) ([]byte, bool) {
	return c.cache.Get(ctx, key)
}

// Delete proxies to the underlying cache.
func (c *Coalescer) Delete(ctx context.Context, key string) error {
	return c.cache.Delete(ctx, key)
}

// GetOrCompute returns the cached value for key when present. On a miss, it
// invokes compute — coalescing concurrent misses for the same key into a
// single call — stores the result with the given ttl on success, and
// returns it. shared reports whether this caller received a result
// produced by a call made on behalf of a different, concurrent caller.
func (c *Coalescer) GetOrCompute(
	ctx context.Context,
	key string,
	ttl time.Duration,
	compute func(ctx context.Context) ([]byte, error),
) (value []byte, shared bool, err error) {
	if v, ok := c.cache.Get(ctx, key); ok {
		return v, false, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		// Re-check: another flight may have populated the cache between our
		// miss above and acquiring the singleflight slot.
		if v, ok := c.cache.Get(ctx, key); ok {
			return v, nil
		}
		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if setErr := c.cache.Set(ctx, key, result, ttl); setErr != nil {
			// A cache-write failure must not fail the caller — the computed
			// value is still valid, it just won't be cached for next time.
			_ = setErr
		}
		return result, nil
	})
	if err != nil {
		return nil, shared, err
	}
	return v.([]byte), shared, nil
}
