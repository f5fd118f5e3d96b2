// Package metrics exposes Prometheus instrumentation for sessions, runs and
// the event stream.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks sessions currently held in memory
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agui_active_sessions",
			Help: "Number of live sessions",
		},
	)

	// RunsTotal counts terminated runs by terminal status and outcome or reason
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agui_runs_total",
			Help: "Total number of finished runs",
		},
		[]string{"status", "outcome"},
	)

	// RunDuration tracks how long runs take
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agui_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800},
		},
		[]string{"status"},
	)

	// EventsPublished counts sequenced events by type
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agui_events_published_total",
			Help: "Total number of sequenced events published",
		},
		[]string{"type"},
	)

	// Resumes counts subscriptions by how they were served
	Resumes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agui_resumes_total",
			Help: "Total number of stream subscriptions by mode (replay or snapshot)",
		},
		[]string{"mode"},
	)

	// SlowConsumerDisconnects counts subscribers dropped for a full queue
	SlowConsumerDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agui_slow_consumer_disconnects_total",
			Help: "Total number of subscribers dropped because their queue was full",
		},
	)

	// Interrupts counts interrupt outcomes
	Interrupts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agui_interrupts_total",
			Help: "Total number of interrupts by result",
		},
		[]string{"result"},
	)

	// ToolCalls counts tool calls by terminal status
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agui_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	// InboundRejected counts inbound client messages dropped by the rate limiter
	InboundRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agui_inbound_rejected_total",
			Help: "Total number of inbound messages rejected by rate limiting",
		},
		[]string{"transport"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunEnd records a terminated run
func RecordRunEnd(status, outcome string, started time.Time) {
	RunsTotal.WithLabelValues(status, outcome).Inc()
	RunDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

// RecordEvent records a published event
func RecordEvent(eventType string) {
	EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordResume records how a subscription was served
func RecordResume(mode string) {
	Resumes.WithLabelValues(mode).Inc()
}

// RecordSlowConsumer records a dropped subscriber
func RecordSlowConsumer() {
	SlowConsumerDisconnects.Inc()
}

// RecordInterrupt records an interrupt result
func RecordInterrupt(result string) {
	Interrupts.WithLabelValues(result).Inc()
}

// RecordToolCall records a finished tool call
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordInboundRejected records a rate-limited inbound message
func RecordInboundRejected(transport string) {
	InboundRejected.WithLabelValues(transport).Inc()
}
