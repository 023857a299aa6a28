package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by store backend.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"store"}, // "memory", "redis"
	)

	// CacheMisses tracks cache misses by store backend.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"store"},
	)

	// CacheEvictions tracks LRU evictions and expiry sweeps.
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_cache_evictions_total",
			Help: "Total number of cache evictions",
		},
		[]string{"store", "reason"}, // reason: "lru", "expired"
	)

	// CacheEntries tracks the current entry count.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_cache_entries",
			Help: "Current number of cache entries",
		},
		[]string{"store"},
	)

	// CacheErrors tracks cache operation errors.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
