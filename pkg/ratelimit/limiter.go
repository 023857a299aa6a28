// Package ratelimit implements a weighted token-bucket rate limiter
// gating all outbound brokerage API calls. Tokens accumulate at a fixed
// refill rate up to a capacity; Acquire deducts tokens or suspends the
// caller until enough tokens exist. Waiters are served in arrival order.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for rate limiting.
var (
	rateLimitAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_ratelimit_acquires_total",
		Help: "Total rate limiter acquisitions by outcome",
	}, []string{"outcome"}) // "immediate", "waited", "timeout", "cancelled"

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_ratelimit_wait_seconds",
		Help:    "Time spent waiting for rate limiter tokens",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	rateLimitTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_ratelimit_tokens",
		Help: "Tokens currently available in the rate limiter bucket",
	})
)

// ErrAcquireTimeout is returned when the deterministic wait for tokens
// would exceed the caller's context deadline. No tokens are consumed.
var ErrAcquireTimeout = errors.New("rate limit wait would exceed deadline")

// Limiter is a token-bucket rate limiter with FIFO waiter service.
//
// Internally tokens may go negative: a suspended caller reserves its
// weight up front, and because reservations happen under the lock in
// arrival order, earlier callers always wake first. A cancelled waiter
// returns its reservation, so cancellation never consumes tokens.
type Limiter struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	tokens   float64 // may be negative while waiters are queued
	last     time.Time

	logger zerolog.Logger
}

// New creates a limiter with the given bucket capacity and refill rate
// (tokens per second). The bucket starts full.
func New(capacity, refillPerSec float64) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive (got %v)", capacity)
	}
	if refillPerSec <= 0 {
		return nil, fmt.Errorf("refill rate must be positive (got %v)", refillPerSec)
	}

	return &Limiter{
		capacity: capacity,
		rate:     refillPerSec,
		tokens:   capacity,
		last:     time.Now(),
		logger:   log.With().Str("component", "ratelimit").Logger(),
	}, nil
}

// Acquire takes one token, suspending until it is available.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.AcquireN(ctx, 1)
}

// AcquireN takes weight tokens, suspending until they are available.
// Returns ErrAcquireTimeout without consuming tokens when the required
// wait provably exceeds the context deadline, and the context error if
// the caller is cancelled while waiting.
func (l *Limiter) AcquireN(ctx context.Context, weight int) error {
	if weight <= 0 {
		return fmt.Errorf("weight must be positive (got %d)", weight)
	}
	w := float64(weight)
	if w > l.capacity {
		return fmt.Errorf("weight %d exceeds bucket capacity %v", weight, l.capacity)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()

	l.mu.Lock()
	l.advance(now)

	if l.tokens >= w {
		l.tokens -= w
		rateLimitTokens.Set(l.available())
		l.mu.Unlock()
		rateLimitAcquiresTotal.WithLabelValues("immediate").Inc()
		return nil
	}

	// Deterministic wait until the reservation is covered.
	wait := time.Duration((w - l.tokens) / l.rate * float64(time.Second))

	if deadline, ok := ctx.Deadline(); ok && now.Add(wait).After(deadline) {
		l.mu.Unlock()
		rateLimitAcquiresTotal.WithLabelValues("timeout").Inc()
		l.logger.Debug().
			Dur("wait", wait).
			Time("deadline", deadline).
			Msg("Acquire rejected, wait exceeds deadline")
		return ErrAcquireTimeout
	}

	// Reserve now so later arrivals queue behind this caller.
	l.tokens -= w
	rateLimitTokens.Set(l.available())
	l.mu.Unlock()

	l.logger.Debug().
		Int("weight", weight).
		Dur("wait", wait).
		Msg("Waiting for rate limiter tokens")

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		rateLimitAcquiresTotal.WithLabelValues("waited").Inc()
		rateLimitWaitSeconds.Observe(wait.Seconds())
		return nil
	case <-ctx.Done():
		l.refund(w)
		rateLimitAcquiresTotal.WithLabelValues("cancelled").Inc()
		return ctx.Err()
	}
}

// Tokens returns the tokens currently available, clamped to
// [0, capacity]. Reserved tokens of queued waiters are not visible.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advance(time.Now())
	return l.available()
}

// advance refills tokens owed since the last update, capped at
// capacity. Must be called with l.mu held.
func (l *Limiter) advance(now time.Time) {
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.last = now
}

// available must be called with l.mu held.
func (l *Limiter) available() float64 {
	if l.tokens < 0 {
		return 0
	}
	return l.tokens
}

// refund returns a cancelled waiter's reservation.
func (l *Limiter) refund(w float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advance(time.Now())
	l.tokens += w
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	rateLimitTokens.Set(l.available())
}
