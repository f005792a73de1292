package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice answer service
type Metrics struct {
	// Capture metrics
	CapturesReceived  prometheus.Counter
	CapturesConverted prometheus.Counter
	CaptureFailures   *prometheus.CounterVec
	CaptureSize       prometheus.Histogram
	CaptureDuration   prometheus.Histogram
	NormalizeDuration prometheus.Histogram

	// Inference metrics
	EngineLoadDuration prometheus.Histogram
	EngineReady        prometheus.Gauge
	InferenceRequests  prometheus.Counter
	InferenceSuccesses prometheus.Counter
	InferenceFailures  prometheus.Counter
	InferenceDuration  prometheus.Histogram
	AnswerSize         prometheus.Histogram

	// Notification metrics
	WSClients     prometheus.Gauge
	EventsSent    prometheus.Counter
	EventsDropped prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Capture metrics
		CapturesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "omni_captures_received_total",
			Help: "Total number of uploaded captures",
		}),
		CapturesConverted: factory.NewCounter(prometheus.CounterOpts{
			Name: "omni_captures_converted_total",
			Help: "Total number of captures converted from a non-WAV container",
		}),
		CaptureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omni_capture_failures_total",
			Help: "Total number of failed captures by error kind",
		}, []string{"kind"}),
		CaptureSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omni_capture_size_bytes",
			Help:    "Size of the canonical input waveform",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 12), // 16KB to ~32MB
		}),
		CaptureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omni_capture_duration_seconds",
			Help:    "Duration of the canonical input waveform",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),
		NormalizeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omni_normalize_duration_seconds",
			Help:    "Time spent producing the canonical waveform",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}),

		// Inference metrics
		EngineLoadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omni_engine_load_duration_seconds",
			Help:    "Time spent loading the model bundle",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}),
		EngineReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "omni_engine_ready",
			Help: "1 when the inference engine is loaded",
		}),
		InferenceRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "omni_inference_requests_total",
			Help: "Total number of generation passes started",
		}),
		InferenceSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "omni_inference_successes_total",
			Help: "Total number of answers produced",
		}),
		InferenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "omni_inference_failures_total",
			Help: "Total number of failed generation passes",
		}),
		InferenceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omni_inference_duration_seconds",
			Help:    "Duration of generation passes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		AnswerSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omni_answer_size_bytes",
			Help:    "Size of the answer waveform",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 12),
		}),

		// Notification metrics
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "omni_ws_clients",
			Help: "Current number of websocket subscribers",
		}),
		EventsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "omni_events_sent_total",
			Help: "Total number of events delivered to subscribers",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "omni_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omni_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omni_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omni_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Helper methods for recording metrics

func (m *Metrics) RecordCapture(sizeBytes int64, durationSeconds float64, converted bool, normalizeSeconds float64) {
	m.CapturesReceived.Inc()
	if converted {
		m.CapturesConverted.Inc()
	}
	m.CaptureSize.Observe(float64(sizeBytes))
	if durationSeconds > 0 {
		m.CaptureDuration.Observe(durationSeconds)
	}
	m.NormalizeDuration.Observe(normalizeSeconds)
}

func (m *Metrics) RecordCaptureFailure(kind string) {
	m.CaptureFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordEngineLoad(durationSeconds float64, ready bool) {
	m.EngineLoadDuration.Observe(durationSeconds)
	if ready {
		m.EngineReady.Set(1)
	} else {
		m.EngineReady.Set(0)
	}
}

func (m *Metrics) RecordInferenceRequest() {
	m.InferenceRequests.Inc()
}

func (m *Metrics) RecordInferenceSuccess(durationSeconds float64, answerBytes int64) {
	m.InferenceSuccesses.Inc()
	m.InferenceDuration.Observe(durationSeconds)
	m.AnswerSize.Observe(float64(answerBytes))
}

func (m *Metrics) RecordInferenceFailure(durationSeconds float64) {
	m.InferenceFailures.Inc()
	m.InferenceDuration.Observe(durationSeconds)
}

func (m *Metrics) SetWSClients(count int) {
	m.WSClients.Set(float64(count))
}

func (m *Metrics) RecordEventSent() {
	m.EventsSent.Inc()
}

func (m *Metrics) RecordEventDropped() {
	m.EventsDropped.Inc()
}

func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
