package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ketobot_ingest_events_total",
			Help: "Inbound events by outcome (enqueued, duplicate, ignored, error)",
		},
		[]string{"outcome"},
	)

	// Queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ketobot_queue_depth",
			Help: "Jobs waiting in the queue, split into ready and delayed",
		},
		[]string{"queue"},
	)

	JobsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ketobot_jobs_requeued_total",
			Help: "Jobs requeued because the identity lock was held or lost",
		},
	)

	LocksLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ketobot_identity_locks_lost_total",
			Help: "Jobs abandoned because their identity lock could not be renewed",
		},
	)

	// Processing
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ketobot_jobs_processed_total",
			Help: "Jobs finished by result (completed, failed, short_circuit, command, blocked, duplicate)",
		},
		[]string{"result"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ketobot_job_duration_seconds",
			Help:    "End-to-end job processing time after lock acquisition",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 90},
		},
	)

	SafetyVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ketobot_safety_verdicts_total",
			Help: "Non-safe safety verdicts by kind",
		},
		[]string{"kind"},
	)

	TransitionsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ketobot_fsm_transitions_dropped_total",
			Help: "Proposed mode transitions rejected by the FSM",
		},
		[]string{"from", "to"},
	)

	ParseFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ketobot_llm_parse_fallbacks_total",
			Help: "Executor outputs that failed parsing or validation",
		},
	)

	// Executor
	ExecutorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ketobot_executor_calls_total",
			Help: "Executor invocations by result (ok, timeout, error, cancelled)",
		},
		[]string{"result"},
	)

	ExecutorDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ketobot_executor_duration_seconds",
			Help:    "Executor call duration excluding semaphore wait",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		},
	)

	ExecutorWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ketobot_executor_wait_seconds",
			Help:    "Time spent waiting for an executor slot",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	// Recipes
	RecipeCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ketobot_recipe_cache_total",
			Help: "Recipe cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	CatalogErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ketobot_recipe_catalog_errors_total",
			Help: "Catalog searches that failed and degraded to no recipes",
		},
	)

	// Outbox
	OutboxDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ketobot_outbox_deliveries_total",
			Help: "Outbox delivery attempts by path (inline, sweep) and result (sent, failed)",
		},
		[]string{"path", "result"},
	)

	OutboxExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ketobot_outbox_exhausted_total",
			Help: "Outbox entries that reached the attempt cap",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ketobot_outbox_sweep_duration_seconds",
			Help:    "Duration of one outbox sweep",
			Buckets: prometheus.DefBuckets,
		},
	)
)
