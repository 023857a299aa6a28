// Package cache provides TTL caching for brokerage API responses.
//
// Responses are stored under deterministic request keys so that two
// logically identical requests always address the same entry. Entries
// carry their own TTL; an entry is valid iff now < created_at + ttl and
// an expired entry is treated as absent, never returned.
//
// Two Store backends exist:
//
//   - MemoryStore: the default bounded in-process store with LRU
//     eviction and a background sweep of expired entries. Nothing
//     survives a process restart.
//   - RedisStore: an optional Redis-backed store for deployments that
//     share a cache between processes.
//
// Load errors are never cached: a failed load must be retryable
// immediately, not suppressed for the TTL window.
package cache
