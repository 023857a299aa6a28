package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrCacheMiss indicates the requested key was not found or the
	// entry had expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is the cache backend contract. Implementations must be safe for
// concurrent use and must never return an expired entry.
type Store interface {
	// Get retrieves an entry by key. Returns ErrCacheMiss if the key
	// doesn't exist or the entry is expired.
	Get(ctx context.Context, key Key) (*Entry, error)

	// Set stores an entry. Entries with no remaining TTL are dropped.
	Set(ctx context.Context, key Key, entry *Entry) error

	// Delete removes an entry.
	Delete(ctx context.Context, key Key) error

	// Close releases backend resources.
	Close() error
}

// Loader produces a fresh response body for a cache fill.
type Loader func(ctx context.Context) ([]byte, error)

// GetOrLoad returns the cached value for key when a valid entry exists,
// otherwise it invokes loader and stores the result with the given TTL.
// Loader errors are returned as-is and never cached, so the next caller
// retries fresh. Store errors degrade to a direct load: a broken cache
// backend must not take reads down with it.
func GetOrLoad(ctx context.Context, store Store, key Key, ttl time.Duration, kind string, loader Loader) ([]byte, error) {
	entry, err := store.Get(ctx, key)
	if err == nil {
		return entry.Data, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		log.Warn().Err(err).Str("key", key.String()).Msg("Cache get error")
	}

	data, err := loader(ctx)
	if err != nil {
		return nil, err
	}

	if setErr := store.Set(ctx, key, NewEntry(data, ttl, kind)); setErr != nil {
		log.Warn().Err(setErr).Str("key", key.String()).Msg("Cache set error")
	}

	return data, nil
}
