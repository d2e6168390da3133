// Package metrics provides Prometheus metrics for scoresync
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for scoresync. A nil *Metrics is
// valid and records nothing, so libraries can take it as an optional dependency.
type Metrics struct {
	// Transport metrics
	StateTransitionsTotal  *prometheus.CounterVec
	ReconnectAttemptsTotal prometheus.Counter
	QueueDepth             prometheus.Gauge
	MessagesTotal          *prometheus.CounterVec
	ProtocolErrorsTotal    *prometheus.CounterVec

	// Session metrics
	OperationsTotal        *prometheus.CounterVec
	ConflictsResolvedTotal *prometheus.CounterVec
	SessionsActive         prometheus.Gauge

	// Relay server metrics
	ServerConnections prometheus.Gauge
	BroadcastsTotal   prometheus.Counter

	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	StartTime time.Time
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		StartTime: time.Now(),
	}

	m.StateTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoresync_transport_state_transitions_total",
			Help: "Total number of transport connection state transitions",
		},
		[]string{"status"},
	)

	m.ReconnectAttemptsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "scoresync_transport_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		},
	)

	m.QueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "scoresync_transport_queue_depth",
			Help: "Number of outbound messages waiting for a connection",
		},
	)

	m.MessagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoresync_transport_messages_total",
			Help: "Total number of protocol messages by direction and type",
		},
		[]string{"direction", "type"},
	)

	m.ProtocolErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoresync_protocol_errors_total",
			Help: "Total number of dropped inbound frames",
		},
		[]string{"reason"},
	)

	m.OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoresync_operations_total",
			Help: "Total number of submitted operations by result",
		},
		[]string{"result"},
	)

	m.ConflictsResolvedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoresync_conflicts_resolved_total",
			Help: "Total number of resolved conflicts by strategy",
		},
		[]string{"strategy"},
	)

	m.SessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "scoresync_sessions_active",
			Help: "Number of collaboration sessions held in memory",
		},
	)

	m.ServerConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "scoresync_server_connections",
			Help: "Number of open relay websocket connections",
		},
	)

	m.BroadcastsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "scoresync_server_broadcasts_total",
			Help: "Total number of broadcasts fanned out by the relay",
		},
	)

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoresync_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scoresync_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "scoresync_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	return m
}

// RecordStateTransition counts a transition into status
func (m *Metrics) RecordStateTransition(status string) {
	if m == nil {
		return
	}
	m.StateTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordReconnectAttempt counts a scheduled reconnect
func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttemptsTotal.Inc()
}

// SetQueueDepth records the outbound queue length
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordMessage counts a protocol message; direction is "in" or "out"
func (m *Metrics) RecordMessage(direction string, msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// RecordProtocolError counts a dropped inbound frame
func (m *Metrics) RecordProtocolError(reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordOperation counts an operation result: applied, conflict, forbidden or path_not_found
func (m *Metrics) RecordOperation(result string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(result).Inc()
}

// RecordResolution counts a conflict resolution
func (m *Metrics) RecordResolution(strategy string) {
	if m == nil {
		return
	}
	m.ConflictsResolvedTotal.WithLabelValues(strategy).Inc()
}

// SetSessionsActive records the number of sessions in memory
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// ConnectionOpened increments the relay connection gauge
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ServerConnections.Inc()
}

// ConnectionClosed decrements the relay connection gauge
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ServerConnections.Dec()
}

// RecordBroadcast counts a relayed broadcast
func (m *Metrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.BroadcastsTotal.Inc()
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// GrpcRequestStarted increments the in-flight gauge
func (m *Metrics) GrpcRequestStarted() {
	if m == nil {
		return
	}
	m.GrpcRequestsInFlight.Inc()
}

// GrpcRequestFinished decrements the in-flight gauge
func (m *Metrics) GrpcRequestFinished() {
	if m == nil {
		return
	}
	m.GrpcRequestsInFlight.Dec()
}
