package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APIRunsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "legaltech",
		Subsystem: "api",
		Name:      "runs_submitted_total",
		Help:      "Total analysis runs submitted through the API.",
	})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "legaltech",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total run submissions rejected by the rate limiter.",
	})

	// ─── Engine ──────────────────────────────────────────────────────────────────

	EngineRunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "legaltech",
		Subsystem: "engine",
		Name:      "runs_started_total",
		Help:      "Total run loops started, including resumptions.",
	})

	EngineRunsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legaltech",
		Subsystem: "engine",
		Name:      "runs_terminated_total",
		Help:      "Total runs reaching a terminal event, labelled by reason.",
	}, []string{"reason"})

	EngineTasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legaltech",
		Subsystem: "engine",
		Name:      "tasks_dispatched_total",
		Help:      "Total task dispatches, labelled by agent.",
	}, []string{"agent"})

	EngineTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "legaltech",
		Subsystem: "engine",
		Name:      "task_duration_seconds",
		Help:      "Single task execution time in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"agent"})

	EngineTaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legaltech",
		Subsystem: "engine",
		Name:      "task_failures_total",
		Help:      "Total task failures, labelled by agent and error kind.",
	}, []string{"agent", "kind"})

	EngineRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legaltech",
		Subsystem: "engine",
		Name:      "retries_total",
		Help:      "Total task re-dispatches after retriable failures.",
	}, []string{"agent"})

	EngineBreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legaltech",
		Subsystem: "engine",
		Name:      "breaker_rejections_total",
		Help:      "Total dispatches skipped because the agent's breaker was open.",
	}, []string{"agent"})

	EngineAdaptationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legaltech",
		Subsystem: "engine",
		Name:      "adaptations_total",
		Help:      "Total plan mutations applied, labelled by action.",
	}, []string{"action"})

	EngineFeedbackPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "legaltech",
		Subsystem: "engine",
		Name:      "feedback_pending",
		Help:      "Runs currently suspended waiting for a human answer.",
	})

	EngineFeedbackFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legaltech",
		Subsystem: "engine",
		Name:      "feedback_fallbacks_total",
		Help:      "Total unanswered questions resolved by the fallback policy.",
	}, []string{"policy"})

	EngineCheckpointFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "legaltech",
		Subsystem: "engine",
		Name:      "checkpoint_failures_total",
		Help:      "Total checkpoint saves that failed after retries (fatal).",
	})
)
