// Package batch fans out independent requests with bounded concurrency.
// Results are aligned by index with the input regardless of completion
// order, and one item's failure never cancels its siblings.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for batch execution.
var (
	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_batch_items_total",
		Help: "Total batch items by outcome",
	}, []string{"outcome"}) // "ok", "error", "cancelled"

	batchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_batch_duration_seconds",
		Help:    "Wall time of whole batch runs in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 60},
	})
)

// DefaultMaxConcurrency is used when no worker limit is configured.
const DefaultMaxConcurrency = 8

// Result holds the outcome of one batch item.
type Result[T any] struct {
	Value T
	Err   error
}

// Fn executes a single batch item by index.
type Fn[T any] func(ctx context.Context, index int) (T, error)

// Run executes fn for indices [0, n) on a worker pool of at most
// maxConcurrency goroutines and returns results aligned by index.
//
// A failing item contributes an error entry at its index while all
// other indices complete normally. When ctx ends, no new items are
// dispatched and undispatched items receive the context error, but
// already-completed items keep their results.
func Run[T any](ctx context.Context, maxConcurrency, n int, fn Fn[T]) []Result[T] {
	if n <= 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if maxConcurrency > n {
		maxConcurrency = n
	}

	start := time.Now()
	results := make([]Result[T], n)
	jobs := make(chan int)

	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			jobs <- i
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < maxConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				// Drain without dispatching once the batch is cancelled.
				if err := ctx.Err(); err != nil {
					results[i] = Result[T]{Err: err}
					batchItemsTotal.WithLabelValues("cancelled").Inc()
					continue
				}

				value, err := fn(ctx, i)
				if err != nil {
					results[i] = Result[T]{Err: err}
					batchItemsTotal.WithLabelValues("error").Inc()
					log.Warn().
						Err(err).
						Int("index", i).
						Msg("Batch item failed")
					continue
				}

				results[i] = Result[T]{Value: value}
				batchItemsTotal.WithLabelValues("ok").Inc()
			}
		}()
	}

	wg.Wait()
	batchDurationSeconds.Observe(time.Since(start).Seconds())

	log.Debug().
		Int("items", n).
		Int("max_concurrency", maxConcurrency).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return results
}
