package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Histogram bucket definitions.
var (
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	renderDurationBuckets  = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}
	uploadSizeBuckets      = []float64{10240, 102400, 524288, 1048576, 5242880}
)

// Metrics holds all Prometheus metric instruments for the signing engine.
type Metrics struct {
	// Backend call metrics
	BackendRequestsTotal   *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec

	// Challenge metrics
	ChallengeCompletionsTotal *prometheus.CounterVec
	ChallengeFailuresTotal    *prometheus.CounterVec
	OTPResendsTotal           prometheus.Counter

	// Capture/upload metrics
	CaptureUploadsTotal   *prometheus.CounterVec
	CaptureUploadBytes    prometheus.Histogram
	CameraAcquisitions    prometheus.Counter
	CameraReleaseFailures prometheus.Counter

	// Render metrics
	PageRendersTotal     *prometheus.CounterVec
	PageRenderDuration   prometheus.Histogram
	StaleRendersDiscarded prometheus.Counter

	// Flow metrics
	FlowsInitiatedTotal prometheus.Counter
	FlowsCompletedTotal prometheus.Counter
	FlowsAbandonedTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signflow_backend_requests_total",
			Help: "Total number of flow backend requests.",
		}, []string{"operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signflow_backend_request_duration_seconds",
			Help:    "Flow backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),

		ChallengeCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signflow_challenge_completions_total",
			Help: "Total number of completed challenges by type.",
		}, []string{"challenge"}),
		ChallengeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signflow_challenge_failures_total",
			Help: "Total number of challenge failures by type and error code.",
		}, []string{"challenge", "code"}),
		OTPResendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signflow_otp_resends_total",
			Help: "Total number of OTP resend requests.",
		}),

		CaptureUploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signflow_capture_uploads_total",
			Help: "Total number of presigned capture uploads by requirement and outcome.",
		}, []string{"requirement", "outcome"}),
		CaptureUploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signflow_capture_upload_bytes",
			Help:    "Capture upload payload size in bytes.",
			Buckets: uploadSizeBuckets,
		}),
		CameraAcquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signflow_camera_acquisitions_total",
			Help: "Total number of camera stream acquisitions.",
		}),
		CameraReleaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signflow_camera_release_failures_total",
			Help: "Total number of camera stream release failures.",
		}),

		PageRendersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signflow_page_renders_total",
			Help: "Total number of PDF page renders by trigger.",
		}, []string{"trigger"}),
		PageRenderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signflow_page_render_duration_seconds",
			Help:    "PDF page render duration in seconds.",
			Buckets: renderDurationBuckets,
		}),
		StaleRendersDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signflow_stale_renders_discarded_total",
			Help: "Total number of renders discarded because a newer render superseded them.",
		}),

		FlowsInitiatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signflow_flows_initiated_total",
			Help: "Total number of initiated flows.",
		}),
		FlowsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signflow_flows_completed_total",
			Help: "Total number of completed flows.",
		}),
		FlowsAbandonedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signflow_flows_abandoned_total",
			Help: "Total number of abandoned flows.",
		}),
	}

	reg.MustRegister(
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.ChallengeCompletionsTotal,
		m.ChallengeFailuresTotal,
		m.OTPResendsTotal,
		m.CaptureUploadsTotal,
		m.CaptureUploadBytes,
		m.CameraAcquisitions,
		m.CameraReleaseFailures,
		m.PageRendersTotal,
		m.PageRenderDuration,
		m.StaleRendersDiscarded,
		m.FlowsInitiatedTotal,
		m.FlowsCompletedTotal,
		m.FlowsAbandonedTotal,
	)

	return m
}

// ObserveBackendRequest records one backend call.
func (m *Metrics) ObserveBackendRequest(operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(operation, status).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveCaptureUpload records one successful presigned upload.
func (m *Metrics) ObserveCaptureUpload(requirement string, size int) {
	if m == nil {
		return
	}
	m.CaptureUploadsTotal.WithLabelValues(requirement, "ok").Inc()
	m.CaptureUploadBytes.Observe(float64(size))
}

// ObserveRender records one page render.
func (m *Metrics) ObserveRender(trigger string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PageRendersTotal.WithLabelValues(trigger).Inc()
	m.PageRenderDuration.Observe(elapsed.Seconds())
}
