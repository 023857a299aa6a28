package cache

import (
	"time"
)

// Entry represents a cached brokerage response.
type Entry struct {
	// Data is the raw response body.
	Data []byte `json:"data"`

	// CreatedAt is when the response was stored.
	CreatedAt time.Time `json:"created_at"`

	// TTL is how long the entry stays valid after CreatedAt.
	TTL time.Duration `json:"ttl"`

	// Kind labels the data kind ("quotes", "bars", "account", ...) for
	// metrics and per-kind policy.
	Kind string `json:"kind"`
}

// NewEntry creates an entry valid for ttl starting now.
func NewEntry(data []byte, ttl time.Duration, kind string) *Entry {
	return &Entry{
		Data:      data,
		CreatedAt: time.Now(),
		TTL:       ttl,
		Kind:      kind,
	}
}

// ExpiresAt returns the instant the entry becomes stale.
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// IsExpired returns true if the entry is no longer valid.
func (e *Entry) IsExpired() bool {
	return !time.Now().Before(e.ExpiresAt())
}

// Remaining returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) Remaining() time.Duration {
	remaining := time.Until(e.ExpiresAt())
	if remaining < 0 {
		return 0
	}
	return remaining
}
