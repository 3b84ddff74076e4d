package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "furnace_tasks_submitted_total",
			Help: "Total number of generation tasks submitted",
		},
		[]string{"kind"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "furnace_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"state"},
	)

	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "furnace_task_retries_total",
			Help: "Total number of task retry attempts",
		},
	)

	GenerationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "furnace_generation_latency_seconds",
			Help:    "Ollama generation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "furnace_cache_hits_total",
			Help: "Cache hits by entity",
		},
		[]string{"entity"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "furnace_cache_misses_total",
			Help: "Cache misses by entity",
		},
		[]string{"entity"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "furnace_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "furnace_queue_depth",
			Help: "Entries waiting in the task queues",
		},
		[]string{"kind"},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "furnace_active_workers",
			Help: "Number of workers currently executing a task",
		},
	)

	MemoryOperations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "furnace_memory_operations_total",
			Help: "Total number of memory store operations",
		},
	)
)
