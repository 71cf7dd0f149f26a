package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RecordConnect("text", "connected", time.Second)
	m.RecordSessionEnd("text", time.Second)
	m.RecordStateTransition("connecting", "connected")
	m.RecordReconnect("success")
	m.RecordTransferTrigger()
	m.RecordHandoff("completed")
	m.RecordError("transport_error")
	if m.Registry() != nil {
		t.Fatalf("nil metrics returned a registry")
	}
}

func TestMetrics_RecordsSessionLifecycle(t *testing.T) {
	t.Parallel()

	m := New("")
	m.RecordConnect("voice", "connected", 300*time.Millisecond)
	m.RecordConnect("voice", "connect_timeout", 15*time.Second)

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("sessions_active=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("voice", "connect_timeout")); got != 1 {
		t.Fatalf("sessions_total{connect_timeout}=%v, want 1", got)
	}

	m.RecordSessionEnd("voice", time.Minute)
	if got := testutil.ToFloat64(m.SessionsActive); got != 0 {
		t.Fatalf("sessions_active=%v after end, want 0", got)
	}

	m.RecordHandoff("completed")
	m.RecordHandoff("completed")
	if got := testutil.ToFloat64(m.HandoffsTotal.WithLabelValues("completed")); got != 2 {
		t.Fatalf("handoffs_total=%v, want 2", got)
	}
}

func TestMetrics_HandlerExposesNamespace(t *testing.T) {
	t.Parallel()

	m := New("widget")
	m.RecordTransferTrigger()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "widget_transfer_triggers_total 1") {
		t.Fatalf("metrics body missing trigger counter:\n%s", body)
	}
}
