// Package coalesce merges concurrent identical requests into a single
// underlying call (single-flight). All callers waiting on a key receive
// the same terminal outcome, success or error; once resolved the flight
// is forgotten so the next call starts fresh, which is what lets cache
// TTL expiry take effect.
package coalesce

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for request coalescing.
var (
	coalesceCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_coalesce_calls_total",
		Help: "Total coalescer calls by role",
	}, []string{"role"}) // "leader" started the flight, "waiter" joined one

	coalesceAbandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_coalesce_abandoned_total",
		Help: "Total callers that were cancelled while waiting on a shared flight",
	})
)

// Loader produces the response for one underlying call.
type Loader func(ctx context.Context) ([]byte, error)

// Group coalesces calls by key. The zero value is not usable; use New.
type Group struct {
	sf singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight tracks the waiters of one in-flight call. Its context outlives
// any single waiter and is cancelled only when every waiter has gone,
// so one caller's cancellation never fails the call for the others.
type flight struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	waiters int
}

// New creates a coalescing group.
func New() *Group {
	return &Group{
		flights: make(map[string]*flight),
	}
}

// Do executes fn for key, guaranteeing at most one concurrent execution
// per key. Concurrent callers with the same key attach as waiters and
// receive the leader's outcome. The returned bool reports whether the
// result was shared with other callers.
//
// A caller whose context ends while waiting detaches with ctx.Err();
// the underlying call keeps running for the remaining waiters and is
// cancelled only when the last waiter detaches.
func (g *Group) Do(ctx context.Context, key string, fn Loader) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	f := g.join(key)

	ch := g.sf.DoChan(key, func() (interface{}, error) {
		coalesceCallsTotal.WithLabelValues("leader").Inc()
		// The flight is forgotten before the result is delivered so no
		// new waiter can attach to a resolved call.
		defer g.forget(key, f)
		return fn(f.ctx)
	})

	select {
	case res := <-ch:
		g.leave(key, f, nil)
		if res.Shared {
			coalesceCallsTotal.WithLabelValues("waiter").Inc()
		}
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.([]byte), res.Shared, nil
	case <-ctx.Done():
		g.leave(key, f, context.Cause(ctx))
		coalesceAbandonedTotal.Inc()
		return nil, false, ctx.Err()
	}
}

// join registers the caller as a waiter on key's flight, creating the
// flight if none exists.
func (g *Group) join(key string) *flight {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.flights[key]
	if !ok {
		fctx, cancel := context.WithCancelCause(context.Background())
		f = &flight{ctx: fctx, cancel: cancel}
		g.flights[key] = f
	}
	f.waiters++
	return f
}

// leave removes one waiter; when the last waiter detaches before the
// call resolved, the flight's context is cancelled with cause.
func (g *Group) leave(key string, f *flight, cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f.waiters--
	if f.waiters <= 0 && cause != nil {
		f.cancel(cause)
	}
}

// forget removes the flight so a subsequent Do starts a fresh call, and
// releases the flight context resources.
func (g *Group) forget(key string, f *flight) {
	g.mu.Lock()
	if g.flights[key] == f {
		delete(g.flights, key)
	}
	g.mu.Unlock()
	f.cancel(nil)
}
