package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Key represents a unique identifier for a cached brokerage response.
// It is also the coalescing key: two logically identical requests MUST
// produce equal keys.
type Key struct {
	// Operation is the logical API operation (e.g. "get_quotes").
	Operation string

	// Params are the normalized request parameters
	// (e.g. {"symbols": "AAPL,MSFT"}).
	Params map[string]string

	// Bucket is a unix time bucket for time-sensitive reads (0 when
	// unused). Quotes are bucketed so that a burst of reads inside one
	// bucket coalesces to a single call even with caching disabled.
	Bucket int64
}

// NewKey builds a key for an operation with normalized parameters.
func NewKey(operation string, params map[string]string) Key {
	return Key{Operation: operation, Params: params}
}

// WithBucket returns a copy of the key bucketed to the given interval.
// A non-positive interval leaves the key unbucketed.
func (k Key) WithBucket(now time.Time, interval time.Duration) Key {
	if interval <= 0 {
		return k
	}
	k.Bucket = now.Truncate(interval).Unix()
	return k
}

// String generates a deterministic cache key string.
// Format: broker:operation:param1=val1:param2=val2:bucket=1700000000
//
// Example:
//
//	broker:get_quotes:symbols=AAPL,MSFT:bucket=1700000000
func (k Key) String() string {
	parts := []string{"broker", k.Operation}

	// Add params (sorted for determinism)
	if len(k.Params) > 0 {
		paramKeys := make([]string, 0, len(k.Params))
		for key := range k.Params {
			paramKeys = append(paramKeys, key)
		}
		sort.Strings(paramKeys)

		for _, key := range paramKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.Params[key]))
		}
	}

	if k.Bucket > 0 {
		parts = append(parts, fmt.Sprintf("bucket=%d", k.Bucket))
	}

	return strings.Join(parts, ":")
}
