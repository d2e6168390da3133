package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordStateTransition("connected")
	m.RecordReconnectAttempt()
	m.SetQueueDepth(3)
	m.RecordMessage("out", "ping")
	m.RecordProtocolError("malformed")
	m.RecordOperation("applied")
	m.RecordResolution("overwrite")
	m.SetSessionsActive(1)
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.RecordBroadcast()
	m.RecordGrpcRequest("/x", "success", time.Millisecond)
}

func TestIndependentRegistries(t *testing.T) {
	m1 := NewMetrics(prometheus.NewRegistry())
	m2 := NewMetrics(prometheus.NewRegistry())

	m1.RecordOperation("applied")
	m1.RecordOperation("applied")
	m2.RecordOperation("conflict")

	if got := testutil.ToFloat64(m1.OperationsTotal.WithLabelValues("applied")); got != 2 {
		t.Errorf("Expected 2 applied operations, got %v", got)
	}
	if got := testutil.ToFloat64(m2.OperationsTotal.WithLabelValues("applied")); got != 0 {
		t.Errorf("Expected registries to be independent, got %v", got)
	}

	m1.SetQueueDepth(4)
	if got := testutil.ToFloat64(m1.QueueDepth); got != 4 {
		t.Errorf("Expected queue depth 4, got %v", got)
	}
}
