package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitMetrics_registersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)

	m.ObserveBackendRequest("otp_send", "200", 30*time.Millisecond)
	m.ChallengeCompletionsTotal.WithLabelValues("otp_email").Inc()
	m.CaptureUploadsTotal.WithLabelValues("selfie", "ok").Inc()
	m.ObserveRender("resize", 5*time.Millisecond)
	m.StaleRendersDiscarded.Inc()
	m.FlowsInitiatedTotal.Inc()

	if got := testutil.ToFloat64(m.BackendRequestsTotal.WithLabelValues("otp_send", "200")); got != 1 {
		t.Errorf("BackendRequestsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ChallengeCompletionsTotal.WithLabelValues("otp_email")); got != 1 {
		t.Errorf("ChallengeCompletionsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StaleRendersDiscarded); got != 1 {
		t.Errorf("StaleRendersDiscarded = %v, want 1", got)
	}
}

func TestInitMetrics_nilReceiverHelpers(t *testing.T) {
	// Helpers must be safe on a nil Metrics so callers can run unmetered.
	var m *Metrics
	m.ObserveBackendRequest("initiate", "500", time.Second)
	m.ObserveRender("page_change", time.Millisecond)
}

func TestInitMetrics_duplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	InitMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("second InitMetrics on same registry should panic")
		}
	}()
	InitMetrics(reg)
}
