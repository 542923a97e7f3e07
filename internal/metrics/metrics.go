// Package metrics registers the Prometheus collectors exercised by every
// pipeline component and serves them on /metrics, following the teacher's
// package-level collector + promhttp.Handler pattern.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chain ingestor.
	ChainState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ethhook_chain_state",
		Help: "Current ingestor state per chain (1=STREAMING/SUBSCRIBED, 0 otherwise)",
	}, []string{"chain_id", "chain_name", "state"})

	EventsIngestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ethhook_events_ingested_total",
		Help: "Total raw events parsed off a chain feed",
	}, []string{"chain_id"})

	EventsDedupedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ethhook_events_deduped_total",
		Help: "Total events dropped by the dedup store",
	}, []string{"chain_id"})

	MalformedMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ethhook_malformed_messages_total",
		Help: "Total malformed chain messages dropped",
	}, []string{"chain_id"})

	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ethhook_chain_reconnects_total",
		Help: "Total reconnection attempts per chain",
	}, []string{"chain_id"})

	// Channels.
	RawChannelDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ethhook_raw_channel_depth",
		Help: "Current number of events queued in the raw channel",
	})
	DeliveryChannelDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ethhook_delivery_channel_depth",
		Help: "Current number of jobs queued in the delivery channel",
	})

	// Matcher.
	MatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ethhook_matched_total",
		Help: "Total DeliveryJobs emitted by the matcher",
	})
	UnmatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ethhook_unmatched_total",
		Help: "Total events for which no endpoint matched",
	})
	MatcherBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ethhook_matcher_batch_size",
		Help:    "Distribution of matcher batch sizes",
		Buckets: []float64{1, 5, 10, 25, 50, 100},
	})
	MatcherLastBatchUnixSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ethhook_matcher_last_batch_unix_seconds",
		Help: "Unix timestamp of the matcher's last processed batch",
	})
	MatcherPredicateErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ethhook_matcher_predicate_errors_total",
		Help: "Total predicate evaluation errors, by endpoint id",
	}, []string{"endpoint_id"})

	// Delivery pool.
	DeliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ethhook_delivery_attempts_total",
		Help: "Total delivery attempts by endpoint and result",
	}, []string{"endpoint_id", "result"})

	DeliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ethhook_delivery_outcomes_total",
		Help: "Total jobs reaching a terminal outcome, by outcome",
	}, []string{"outcome"})

	DeliveryLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ethhook_delivery_latency_seconds",
		Help:    "HTTP response latency per delivery attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint_id"})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ethhook_circuit_breaker_state",
		Help: "Circuit breaker state per endpoint (0=closed, 1=open, 2=half-open)",
	}, []string{"endpoint_id"})

	RetryHeapSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ethhook_retry_heap_size",
		Help: "Current number of jobs waiting in the retry heap",
	})

	RetryHeapDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ethhook_retry_heap_dropped_total",
		Help: "Total retryable jobs dropped due to retry heap overflow",
	})

	WorkerLastActiveUnixSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ethhook_worker_last_active_unix_seconds",
		Help: "Unix timestamp of each delivery worker's last completed job",
	}, []string{"worker_id"})

	// Health supervisor.
	SupervisorStuckTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ethhook_supervisor_stuck_total",
		Help: "Total times the health supervisor detected a deadlock heuristic trip",
	})
	ReadinessGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ethhook_ready",
		Help: "1 if the pipeline is currently ready, 0 otherwise",
	})

	// Process.
	ProcessMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ethhook_process_memory_bytes",
		Help: "Resident memory usage of the process",
	})
	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ethhook_process_cpu_percent",
		Help: "Process CPU usage percent, relative to cgroup allocation when containerized",
	})
	CgroupMemoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ethhook_cgroup_memory_limit_bytes",
		Help: "Memory limit detected from cgroup, 0 if none",
	})
)

func init() {
	prometheus.MustRegister(
		ChainState,
		EventsIngestedTotal,
		EventsDedupedTotal,
		MalformedMessagesTotal,
		ReconnectsTotal,
		RawChannelDepth,
		DeliveryChannelDepth,
		MatchedTotal,
		UnmatchedTotal,
		MatcherBatchSize,
		MatcherLastBatchUnixSeconds,
		MatcherPredicateErrorsTotal,
		DeliveryAttemptsTotal,
		DeliveryOutcomesTotal,
		DeliveryLatencySeconds,
		CircuitBreakerState,
		RetryHeapSize,
		RetryHeapDroppedTotal,
		WorkerLastActiveUnixSeconds,
		SupervisorStuckTotal,
		ReadinessGauge,
		ProcessMemoryBytes,
		ProcessCPUPercent,
		CgroupMemoryLimitBytes,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
