// Package metrics exposes the process-wide Prometheus collectors that
// every component increments as it runs. Handlers register against the
// default registry via promauto, then the dashboard mounts the standard
// promhttp handler at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AccountCacheHitsTotal counts AccountCache.Get calls served from cache.
	AccountCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "account_cache_hits_total",
		Help: "Total number of account snapshot requests served from cache.",
	})

	// AccountCacheMissesTotal counts AccountCache.Get calls that hit the exchange.
	AccountCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "account_cache_misses_total",
		Help: "Total number of account snapshot requests that refreshed from the exchange.",
	})

	// RateLimitWaitSeconds tracks time spent blocked on the exchange rate limiter.
	RateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rate_limit_wait_seconds",
		Help:    "Time spent waiting for the exchange rate limiter before a request is sent.",
		Buckets: prometheus.DefBuckets,
	})

	// ProtectionOrdersCreatedTotal counts stop-loss/take-profit orders placed
	// by PositionProtector, labeled by protection kind.
	ProtectionOrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protection_orders_created_total",
		Help: "Total number of protection orders placed, by kind.",
	}, []string{"kind"})

	// OrphansCancelledTotal counts protection orders OrphanReaper cancelled
	// because their position had already closed.
	OrphansCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orphans_cancelled_total",
		Help: "Total number of orphaned protection orders cancelled by OrphanReaper.",
	})

	// EntryStateTransitionsTotal counts OrderOps entry state machine
	// transitions, labeled by the state entered.
	EntryStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entry_state_transitions_total",
		Help: "Total number of OrderOps entry state machine transitions, by state entered.",
	}, []string{"state"})
)
