package broker

import (
	"fmt"
	"time"
)

// Config holds the optimization policy for a Broker.
type Config struct {
	// CacheTTLQuotes is how long a cached quote stays valid.
	CacheTTLQuotes time.Duration

	// CacheTTLBars is how long cached historical bars stay valid.
	CacheTTLBars time.Duration

	// CacheTTLAccount is how long cached account and position data
	// stays valid. Orders are never cached.
	CacheTTLAccount time.Duration

	// CacheMaxEntries bounds the in-memory cache (LRU beyond this).
	CacheMaxEntries int

	// QuoteBucket buckets quote request keys in time so a burst of
	// identical quote reads coalesces even across cache expiry.
	QuoteBucket time.Duration

	// RateLimitCapacity is the token bucket capacity.
	RateLimitCapacity float64

	// RateLimitRefillPerSec is the token refill rate per second.
	RateLimitRefillPerSec float64

	// BatchMaxConcurrency caps parallel requests in bulk operations.
	BatchMaxConcurrency int
}

// DefaultConfig returns a safe default configuration tuned for the
// paper trading API's 200 requests/minute budget.
func DefaultConfig() Config {
	return Config{
		CacheTTLQuotes:        2 * time.Second,
		CacheTTLBars:          5 * time.Minute,
		CacheTTLAccount:       30 * time.Second,
		CacheMaxEntries:       1024,
		QuoteBucket:           time.Second,
		RateLimitCapacity:     200,
		RateLimitRefillPerSec: 200.0 / 60.0,
		BatchMaxConcurrency:   8,
	}
}

// Validate checks the configuration for nonsensical values.
func (c Config) Validate() error {
	if c.CacheTTLQuotes < 0 || c.CacheTTLBars < 0 || c.CacheTTLAccount < 0 {
		return fmt.Errorf("cache TTLs must not be negative")
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("cache_max_entries must be positive (got %d)", c.CacheMaxEntries)
	}
	if c.RateLimitCapacity <= 0 {
		return fmt.Errorf("rate_limit_capacity must be positive (got %v)", c.RateLimitCapacity)
	}
	if c.RateLimitRefillPerSec <= 0 {
		return fmt.Errorf("rate_limit_refill_per_sec must be positive (got %v)", c.RateLimitRefillPerSec)
	}
	if c.BatchMaxConcurrency <= 0 {
		return fmt.Errorf("batch_max_concurrency must be positive (got %d)", c.BatchMaxConcurrency)
	}
	return nil
}
