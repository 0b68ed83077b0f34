package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the live interaction server.
//
// Naming convention: namespace_subsystem_name
// - namespace: liveserver (application-level grouping)
// - subsystem: room, broadcaster, connection, chat, recovery, persistence,
//   rate_limit, circuit_breaker (feature-level grouping)
// - name: specific metric (active_total, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of connected clients.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveserver",
		Subsystem: "connection",
		Name:      "active_total",
		Help:      "Current number of active client connections",
	})

	// ActiveRooms tracks the current number of active rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveserver",
		Subsystem: "room",
		Name:      "active_total",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of participants in each room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "liveserver",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"interaction_id"})

	// TurnActionsTotal tracks turn actions processed by the engine.
	TurnActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveserver",
		Subsystem: "room",
		Name:      "turn_actions_total",
		Help:      "Total turn actions processed",
	}, []string{"action_type", "status"})

	// TurnTimeoutsTotal tracks turns that auto-advanced because the clock ran out.
	TurnTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "liveserver",
		Subsystem: "room",
		Name:      "turn_timeouts_total",
		Help:      "Total turns auto-skipped by the turn clock",
	})

	// ActiveSubscribers tracks subscribers currently registered per interaction.
	ActiveSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "liveserver",
		Subsystem: "broadcaster",
		Name:      "subscribers_active",
		Help:      "Current number of active event subscribers",
	}, []string{"interaction_id"})

	// BroadcasterEventsTotal tracks events fanned out by the broadcaster.
	BroadcasterEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveserver",
		Subsystem: "broadcaster",
		Name:      "events_total",
		Help:      "Total GameEvents broadcast",
	}, []string{"event_type"})

	// BroadcasterBatchSize tracks the size of flushed subscriber batches.
	BroadcasterBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "liveserver",
		Subsystem: "broadcaster",
		Name:      "batch_size",
		Help:      "Number of events flushed per subscriber batch",
		Buckets:   []float64{1, 2, 5, 10, 20, 50},
	})

	// ChatMessagesTotal tracks chat messages accepted per channel type.
	ChatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveserver",
		Subsystem: "chat",
		Name:      "messages_total",
		Help:      "Total chat messages accepted",
	}, []string{"channel"})

	// RecoveryEventsTotal tracks error recovery strategies invoked.
	RecoveryEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveserver",
		Subsystem: "recovery",
		Name:      "events_total",
		Help:      "Total error recovery strategies invoked",
	}, []string{"strategy", "error_kind"})

	// CircuitBreakerState tracks the current state of the circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "liveserver",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveserver",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveserver",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveserver",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// PersistenceOperationsTotal tracks the total number of persistence gateway operations.
	PersistenceOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveserver",
		Subsystem: "persistence",
		Name:      "operations_total",
		Help:      "Total number of persistence gateway operations",
	}, []string{"operation", "status"})

	// PersistenceOperationDuration tracks the duration of persistence gateway operations.
	PersistenceOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "liveserver",
		Subsystem: "persistence",
		Name:      "operation_duration_seconds",
		Help:      "Duration of persistence gateway operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
