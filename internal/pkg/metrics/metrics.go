package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SagasStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_saga_started_total",
		Help: "Total number of sagas created, labelled by saga type.",
	}, []string{"saga_type"})

	SagasFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_saga_finished_total",
		Help: "Total number of sagas that reached a terminal status.",
	}, []string{"saga_type", "status"})

	StepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_saga_step_retries_total",
		Help: "Total number of step retries, labelled by step name.",
	}, []string{"step"})

	ReverseActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_saga_reverse_actions_total",
		Help: "Total number of reverse actions invoked, labelled by step and result.",
	}, []string{"step", "result"})

	SagasTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "identity_saga_timeouts_total",
		Help: "Total number of sagas forced into compensation by the timeout sweep.",
	})

	StaleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_saga_stale_events_total",
		Help: "Total number of step results discarded because they did not match the saga state.",
	}, []string{"saga_type"})

	ActiveSagas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "identity_saga_active",
		Help: "Number of non-terminal sagas seen by the last health sweep.",
	})

	SagasByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "identity_saga_by_status",
		Help: "Number of sagas per status seen by the last health sweep.",
	}, []string{"status"})

	StuckSagas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "identity_saga_stuck",
		Help: "Number of sagas not updated within the stuck threshold.",
	})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "identity_saga_sweep_duration_ms",
		Help:    "Scheduler sweep latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"sweep"})

	SweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_saga_sweep_errors_total",
		Help: "Total number of per-saga errors and recovered panics during sweeps.",
	}, []string{"sweep"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_saga_events_published_total",
		Help: "Total number of publish attempts, labelled by topic and status.",
	}, []string{"topic", "status"})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_saga_events_consumed_total",
		Help: "Total number of settled deliveries, labelled by topic and action.",
	}, []string{"topic", "action"})

	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_saga_dead_lettered_total",
		Help: "Total number of messages moved to a dead-letter topic, labelled by reason.",
	}, []string{"topic", "reason"})

	DuplicateEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_saga_duplicate_events_total",
		Help: "Total number of deliveries short-circuited by the idempotency ledger.",
	}, []string{"event_type"})

	EventHandlingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "identity_saga_event_handling_duration_ms",
		Help:    "Handler latency per delivery in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"topic"})
)
