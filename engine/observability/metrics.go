// Package observability exposes the core's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks tasks currently waiting (pending + ready) per queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeforge_queue_depth",
		Help: "Current number of non-terminal tasks per queue",
	}, []string{"queue", "state"})

	// TasksInFlight tracks running handlers per queue.
	TasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeforge_tasks_in_flight",
		Help: "Handlers currently executing per queue",
	}, []string{"queue"})

	// TaskTransitions counts state transitions by queue and target state.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_task_transitions_total",
		Help: "Task state transitions by queue and resulting state",
	}, []string{"queue", "state"})

	// TaskRetries counts retry attempts per queue.
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_task_retries_total",
		Help: "Task retry attempts per queue",
	}, []string{"queue"})

	// TaskDuration tracks handler execution time.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeforge_task_duration_seconds",
		Help:    "Handler execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
	}, []string{"queue", "task_type"})

	// TaskWaitSeconds tracks time from admission to dispatch.
	TaskWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeforge_task_wait_seconds",
		Help:    "Time tasks wait between admission and dispatch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"queue"})

	// AdmissionRejections counts Submit rejections by reason code.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_admission_rejections_total",
		Help: "Tasks rejected at admission by validation code",
	}, []string{"code"})

	// CircuitState exposes the breaker state per dependency
	// (0=closed, 1=half_open, 2=open).
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeforge_circuit_state",
		Help: "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
	}, []string{"dependency"})

	// RateBudgetWaits counts Acquire calls that returned a wait hint.
	RateBudgetWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_rate_budget_waits_total",
		Help: "Rate budget acquisitions deferred with a wait hint",
	}, []string{"api"})

	// RateBudgetExhausted counts Acquire calls with no token on any key.
	RateBudgetExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_rate_budget_exhausted_total",
		Help: "Rate budget acquisitions exhausted across all keys",
	}, []string{"api"})

	// EventsPublished counts bus publications by event type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_events_published_total",
		Help: "Events published on the bus by type",
	}, []string{"event_type"})

	// EventsDropped counts per-subscriber overflow and circuit drops.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_events_dropped_total",
		Help: "Events dropped before delivery per subscriber",
	}, []string{"subscriber"})

	// SubscriberFailures counts handler errors per subscriber.
	SubscriberFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_subscriber_failures_total",
		Help: "Subscriber handler failures",
	}, []string{"subscriber"})

	// StoreRetries counts transient store errors that were retried.
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeforge_store_retries_total",
		Help: "Transient store errors retried by the store decorator",
	})

	// PeriodicSkippedOverlap counts periodic emissions skipped because the
	// previous instance was still non-terminal.
	PeriodicSkippedOverlap = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_periodic_skipped_overlap_total",
		Help: "Periodic task emissions skipped due to a still-running prior instance",
	}, []string{"name"})

	// WorkflowsCompleted counts workflow terminal outcomes by mode and state.
	WorkflowsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_workflows_finished_total",
		Help: "Workflows reaching a terminal state by mode and outcome",
	}, []string{"mode", "state"})

	// HandlerUnresponsive counts handlers that ignored cancellation past the
	// 5s bound and were abandoned.
	HandlerUnresponsive = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_handler_unresponsive_total",
		Help: "Handlers that did not return within the cancellation bound",
	}, []string{"queue", "task_type"})

	// OldestPendingAge samples the age of the oldest pending/ready task.
	OldestPendingAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeforge_oldest_pending_age_seconds",
		Help: "Age of the oldest non-terminal task per queue",
	}, []string{"queue"})
)
