// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voxscribe"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// gRPC metrics
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec

	// Worker pool metrics
	PoolQueued       prometheus.Gauge
	PoolInFlight     prometheus.Gauge
	PoolTasksTotal   *prometheus.CounterVec
	PoolTaskWait     *prometheus.HistogramVec
	PoolTaskDuration *prometheus.HistogramVec
	PoolRejected     *prometheus.CounterVec

	// Model registry metrics
	ModelLoadsTotal   *prometheus.CounterVec
	ModelLoadDuration *prometheus.HistogramVec
	ModelsResident    prometheus.Gauge

	// Session metrics
	SessionsTotal    *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	UploadBytes      prometheus.Counter
	SessionsRejected *prometheus.CounterVec

	// Scratch metrics
	ScratchCreated      prometheus.Counter
	ScratchDeleteErrors prometheus.Counter

	// Engine metrics
	EngineLatency *prometheus.HistogramVec
	EngineErrors  *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"route"}),

		// gRPC metrics
		GRPCRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC unary calls",
		}, []string{"method", "code"}),
		GRPCRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC unary call duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),

		// Worker pool metrics
		PoolQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queued_tasks",
			Help:      "Number of tasks waiting for a worker",
		}),
		PoolInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_inflight_tasks",
			Help:      "Number of tasks currently executing",
		}),
		PoolTasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_tasks_total",
			Help:      "Total number of pool tasks completed",
		}, []string{"kind", "outcome"}),
		PoolTaskWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_task_wait_seconds",
			Help:      "Time tasks spent queued before a worker picked them up",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"kind"}),
		PoolTaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_task_duration_seconds",
			Help:      "Task execution time in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		PoolRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_rejected_total",
			Help:      "Total number of task submissions rejected",
		}, []string{"kind", "reason"}),

		// Model registry metrics
		ModelLoadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Total number of model constructions",
		}, []string{"model", "outcome"}),
		ModelLoadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_load_duration_seconds",
			Help:      "Model construction time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		ModelsResident: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "models_resident",
			Help:      "Number of models held in the registry",
		}),

		// Session metrics
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of transcription sessions by outcome",
		}, []string{"outcome"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of transcription sessions in progress",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "End-to-end transcription session duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		UploadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total audio bytes accepted for transcription",
		}),
		SessionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total number of requests rejected before dispatch",
		}, []string{"code"}),

		// Scratch metrics
		ScratchCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scratch_created_total",
			Help:      "Total number of scratch artifacts written",
		}),
		ScratchDeleteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scratch_delete_errors_total",
			Help:      "Total number of scratch artifacts that could not be removed",
		}),

		// Engine metrics
		EngineLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_latency_seconds",
			Help:      "Recognition engine latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"provider", "task"}),
		EngineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Total number of recognition engine errors",
		}, []string{"provider"}),

		// Kafka publish metrics
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(route, method string, status int, took time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, method, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(took.Seconds())
}

// RecordGRPCRequest records one unary gRPC call.
func (m *Metrics) RecordGRPCRequest(method, code string, took time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(took.Seconds())
}

// TaskQueued implements workerpool.Observer.
func (m *Metrics) TaskQueued(kind string, queued int) {
	m.PoolQueued.Set(float64(queued))
}

// TaskRejected implements workerpool.Observer.
func (m *Metrics) TaskRejected(kind, reason string) {
	m.PoolRejected.WithLabelValues(kind, reason).Inc()
}

// TaskStarted implements workerpool.Observer.
func (m *Metrics) TaskStarted(kind string, wait time.Duration, inFlight int) {
	m.PoolQueued.Dec()
	m.PoolInFlight.Set(float64(inFlight))
	m.PoolTaskWait.WithLabelValues(kind).Observe(wait.Seconds())
}

// TaskFinished implements workerpool.Observer.
func (m *Metrics) TaskFinished(kind string, took time.Duration, err error, inFlight int) {
	m.PoolInFlight.Set(float64(inFlight))
	m.PoolTaskDuration.WithLabelValues(kind).Observe(took.Seconds())
	m.PoolTasksTotal.WithLabelValues(kind, outcome(err)).Inc()
}

// RecordModelLoad records a model construction attempt.
func (m *Metrics) RecordModelLoad(model string, err error, took time.Duration) {
	m.ModelLoadsTotal.WithLabelValues(model, outcome(err)).Inc()
	m.ModelLoadDuration.WithLabelValues(model).Observe(took.Seconds())
}

// SetResidentModels records how many models the registry holds.
func (m *Metrics) SetResidentModels(n int) {
	m.ModelsResident.Set(float64(n))
}

// RecordSessionStart records a session entering the pipeline.
func (m *Metrics) RecordSessionStart(uploadBytes int64) {
	m.SessionsActive.Inc()
	m.UploadBytes.Add(float64(uploadBytes))
}

// RecordSessionEnd records a session leaving the pipeline.
func (m *Metrics) RecordSessionEnd(success bool, took time.Duration) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(took.Seconds())
	if success {
		m.SessionsTotal.WithLabelValues("success").Inc()
	} else {
		m.SessionsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordRejected records a request rejected before any work was dispatched.
func (m *Metrics) RecordRejected(code string) {
	m.SessionsRejected.WithLabelValues(code).Inc()
}

// RecordScratchCreated records a scratch artifact being written.
func (m *Metrics) RecordScratchCreated() {
	m.ScratchCreated.Inc()
}

// RecordScratchDeleteError records a failed scratch deletion.
func (m *Metrics) RecordScratchDeleteError() {
	m.ScratchDeleteErrors.Inc()
}

// RecordEngineCall records one recognition call.
func (m *Metrics) RecordEngineCall(provider, task string, err error, took time.Duration) {
	m.EngineLatency.WithLabelValues(provider, task).Observe(took.Seconds())
	if err != nil {
		m.EngineErrors.WithLabelValues(provider).Inc()
	}
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
