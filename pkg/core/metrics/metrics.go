// Package metrics exposes Prometheus instrumentation for agent sessions.
//
// All Record methods are safe on a nil *Metrics, so components can take an
// optional metrics sink without branching.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the session core.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	ConnectDuration *prometheus.HistogramVec
	SessionDuration *prometheus.HistogramVec

	// Connection health
	StateTransitions  *prometheus.CounterVec
	ReconnectAttempts *prometheus.CounterVec

	// Transfer metrics
	TransferTriggers prometheus.Counter
	HandoffsTotal    *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "agentline"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open agent sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of session connect attempts by outcome",
		},
		[]string{"mode", "outcome"},
	)

	connectDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time from connect to connected",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"mode"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"mode"},
	)

	stateTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions",
		},
		[]string{"from", "to"},
	)

	reconnectAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Transport resumptions by outcome",
		},
		[]string{"outcome"},
	)

	transferTriggers := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_triggers_total",
			Help:      "Trigger phrases detected in agent speech",
		},
	)

	handoffsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Agent handoffs by outcome",
		},
		[]string{"outcome"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		connectDuration,
		sessionDuration,
		stateTransitions,
		reconnectAttempts,
		transferTriggers,
		handoffsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:          registry,
		SessionsActive:    sessionsActive,
		SessionsTotal:     sessionsTotal,
		ConnectDuration:   connectDuration,
		SessionDuration:   sessionDuration,
		StateTransitions:  stateTransitions,
		ReconnectAttempts: reconnectAttempts,
		TransferTriggers:  transferTriggers,
		HandoffsTotal:     handoffsTotal,
		ErrorsTotal:       errorsTotal,
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnect records the outcome of a connect attempt.
func (m *Metrics) RecordConnect(mode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(mode, outcome).Inc()
	if outcome == "connected" {
		m.SessionsActive.Inc()
		m.ConnectDuration.WithLabelValues(mode).Observe(duration.Seconds())
	}
}

// RecordSessionEnd records a connected session ending.
func (m *Metrics) RecordSessionEnd(mode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordStateTransition records a connection state change.
func (m *Metrics) RecordStateTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordReconnect records a resumption outcome.
func (m *Metrics) RecordReconnect(outcome string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(outcome).Inc()
}

// RecordTransferTrigger records a detected trigger phrase.
func (m *Metrics) RecordTransferTrigger() {
	if m == nil {
		return
	}
	m.TransferTriggers.Inc()
}

// RecordHandoff records a handoff outcome.
func (m *Metrics) RecordHandoff(outcome string) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(outcome).Inc()
}

// RecordError records an error.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
