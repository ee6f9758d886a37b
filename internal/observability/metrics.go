// Package observability declares every Prometheus metric emitted by the
// audit control plane, all at package scope via promauto, matching the
// teacher's declare-once style.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_jobs_submitted_total",
		Help: "Total number of audit submissions accepted or rejected",
	}, []string{"outcome"}) // pending, queued, rate_limited, queue_full, validation_failed

	JobsTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_jobs_terminal_total",
		Help: "Total number of audits reaching a terminal state",
	}, []string{"status"}) // completed, failed

	JobStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_stage_duration_seconds",
		Help:    "Duration of an individual audit stage",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage", "outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_queue_depth",
		Help: "Current number of pending entries in the persistent overflow queue",
	})

	ConcurrencySlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_concurrency_slots_in_use",
		Help: "Current number of acquired concurrency-limiter slots",
	})

	RegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_registry_jobs",
		Help: "Current number of jobs tracked in the in-memory registry",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_circuit_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"dependency"})

	CircuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_circuit_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions",
	}, []string{"dependency", "to_state"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_cache_hits_total",
		Help: "Total number of cache lookups that found a live entry",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_cache_misses_total",
		Help: "Total number of cache lookups that found nothing or an expired entry",
	})

	CacheStores = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_cache_stores_total",
		Help: "Total number of successful cache writes",
	})

	BrowserPoolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_browser_pool_active",
		Help: "Current number of browser instances on loan",
	})

	BrowserPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_browser_pool_idle",
		Help: "Current number of idle browser instances held by the pool",
	})

	BrowserLaunches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_browser_launches_total",
		Help: "Total number of browser processes launched by the pool",
	})

	BroadcasterDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_broadcaster_dropped_events_total",
		Help: "Total number of progress events dropped because a subscriber's sink rejected them",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_http_request_duration_seconds",
		Help:    "Duration of HTTP requests handled by the API",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_api_rate_limited_total",
		Help: "Total number of requests rejected by the per-IP storm-protection limiter",
	}, []string{"route"})
)
