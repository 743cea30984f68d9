package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all recorder metrics.
type Metrics struct {
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook notifications by kind (call, callRecord, ...) and outcome.
	NotificationsTotal *prometheus.CounterVec

	RecordingOperationsTotal   *prometheus.CounterVec
	RecordingOperationDuration *prometheus.HistogramVec
	RecordingsActive           prometheus.Gauge
	PlatformRetriesTotal       *prometheus.CounterVec

	SubscriptionRenewalsTotal *prometheus.CounterVec
	CallsTracked              prometheus.Gauge

	EventPublishTotal  *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates and registers all metrics on reg. Registering twice on the same
// registry returns the already-registered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_notifications_total",
			Help: "Webhook notifications received, by kind and outcome",
		}, []string{"kind", "outcome"}),

		RecordingOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_recording_operations_total",
			Help: "Recording operations by operation and result code",
		}, []string{"operation", "code"}),
		RecordingOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recorder_recording_operation_duration_seconds",
			Help:    "Recording operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		RecordingsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_recordings_active",
			Help: "Recordings currently holding a concurrency permit",
		}),
		PlatformRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_platform_retries_total",
			Help: "Retried platform calls after a transient failure",
		}, []string{"op"}),

		SubscriptionRenewalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_subscription_renewals_total",
			Help: "Subscription renewal attempts by result",
		}, []string{"result"}),
		CallsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_calls_tracked",
			Help: "Calls held in the lifecycle state machine",
		}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Compliance event writes that failed",
		}),
	}

	m.HTTPRequestTotal = registerOrGet(reg, m.HTTPRequestTotal).(*prometheus.CounterVec)
	m.HTTPRequestDuration = registerOrGet(reg, m.HTTPRequestDuration).(*prometheus.HistogramVec)
	m.NotificationsTotal = registerOrGet(reg, m.NotificationsTotal).(*prometheus.CounterVec)
	m.RecordingOperationsTotal = registerOrGet(reg, m.RecordingOperationsTotal).(*prometheus.CounterVec)
	m.RecordingOperationDuration = registerOrGet(reg, m.RecordingOperationDuration).(*prometheus.HistogramVec)
	m.RecordingsActive = registerOrGet(reg, m.RecordingsActive).(prometheus.Gauge)
	m.PlatformRetriesTotal = registerOrGet(reg, m.PlatformRetriesTotal).(*prometheus.CounterVec)
	m.SubscriptionRenewalsTotal = registerOrGet(reg, m.SubscriptionRenewalsTotal).(*prometheus.CounterVec)
	m.CallsTracked = registerOrGet(reg, m.CallsTracked).(prometheus.Gauge)
	m.EventPublishTotal = registerOrGet(reg, m.EventPublishTotal).(*prometheus.CounterVec)
	m.AuditWriteFailures = registerOrGet(reg, m.AuditWriteFailures).(prometheus.Counter)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Discard returns metrics registered on a private registry. Used by tests and
// by components constructed without metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

func registerOrGet(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveRecording records one orchestrator operation outcome.
func (m *Metrics) ObserveRecording(op, code string, started time.Time) {
	m.RecordingOperationsTotal.WithLabelValues(op, code).Inc()
	m.RecordingOperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Middleware counts requests by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
