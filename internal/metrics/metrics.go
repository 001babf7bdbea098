// Package metrics provides Prometheus instrumentation for the core: queue
// depth and wait time per modality, active sessions and their duration,
// live websocket connections, and errors by subsystem. Kept close to the
// teacher's flat var-block-plus-init-registration shape, with the gauge
// and histogram set renamed to the metrics the core spec names.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket
	// connections on this instance.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "core_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// QueueSize tracks the current number of waiting users, labeled by
	// modality.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "core_queue_size",
		Help: "Current number of users waiting per modality",
	}, []string{"modality"})

	// QueueWaitSeconds records how long a user waited before being paired
	// or leaving the queue, labeled by modality.
	QueueWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "core_queue_wait_seconds",
		Help:    "Time spent waiting in queue before pairing or leaving",
		Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"modality"})

	// QueueLeaveTotal counts entries leaving a modality's queue, labeled by
	// modality and reason (e.g. "timeout" for the staleness sweep).
	QueueLeaveTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_queue_leave_total",
		Help: "Total queue departures by modality and reason",
	}, []string{"modality", "reason"})

	// SessionsActive tracks the current number of active sessions, labeled
	// by modality.
	SessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "core_sessions_active",
		Help: "Current number of active sessions per modality",
	}, []string{"modality"})

	// SessionDurationSeconds records the lifetime of an ended session.
	SessionDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "core_session_duration_seconds",
		Help:    "Duration of ended sessions",
		Buckets: []float64{5, 15, 30, 60, 300, 900, 1800, 3600},
	}, []string{"modality", "reason"})

	// ErrorsTotal counts errors surfaced by each subsystem, labeled by
	// component and error kind.
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_errors_total",
		Help: "Total errors by subsystem and kind",
	}, []string{"component", "kind"})

	// InstancesHealthy is registered for the number of healthy fleet
	// instances. Nothing in the core sets it, so it stays at 0.
	InstancesHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "core_instances_healthy",
		Help: "Current number of healthy instances in the fleet",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		QueueSize,
		QueueWaitSeconds,
		QueueLeaveTotal,
		SessionsActive,
		SessionDurationSeconds,
		ErrorsTotal,
		InstancesHealthy,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
