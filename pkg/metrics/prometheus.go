// Package metrics holds the Prometheus collectors of the realtime service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatcore-backend/internal/domain"
)

// Metrics holds all Prometheus metrics for the application. Each instance
// owns its registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Fanout Metrics
	fanoutDeliveredTotal *prometheus.CounterVec
	fanoutDroppedTotal   *prometheus.CounterVec

	// Call Metrics
	callsTotal    *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callsDuration *prometheus.HistogramVec

	// Push Notification Metrics
	pushNotificationsTotal *prometheus.CounterVec
	breakerState           *prometheus.GaugeVec

	// Background task failures
	backgroundFailuresTotal *prometheus.CounterVec

	// Redis Metrics
	redisDegraded     prometheus.Gauge
	redisHealthChecks prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of live websocket connections on this node",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of websocket frames",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of websocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		fanoutDeliveredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "fanout_deliveries_total",
				Help:        "Event frames handed to live connections",
				ConstLabels: labels,
			},
			[]string{"event"},
		),
		fanoutDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "fanout_dropped_total",
				Help:        "Event frames that could not be handed to a connection",
				ConstLabels: labels,
			},
			[]string{"event"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Calls by type and status",
				ConstLabels: labels,
			},
			[]string{"call_type", "status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Calls initiated and not yet finished",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Reported duration of completed calls",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"call_type"},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Push notification attempts by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),

		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "circuit_breaker_state",
				Help:        "Circuit breaker state (0=closed, 1=half_open, 2=open)",
				ConstLabels: labels,
			},
			[]string{"breaker"},
		),

		backgroundFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "background_task_failures_total",
				Help:        "Failed or panicking background tasks",
				ConstLabels: labels,
			},
			[]string{"task"},
		),

		redisDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
				ConstLabels: labels,
			},
		),
		redisHealthChecks: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "redis_health_check_total",
				Help:        "Total number of Redis health checks",
				ConstLabels: labels,
			},
		),
	}
}

// Registry returns the registry holding every collector
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// SetWebSocketConnections sets the live connection count. Fits
// registry.WithSizeObserver.
func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage counts a frame; direction is "in" or "out"
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

func (m *Metrics) RecordWebSocketError(err string) {
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// RecordFanout implements fanout.Recorder
func (m *Metrics) RecordFanout(event string, delivered, dropped int) {
	if delivered > 0 {
		m.fanoutDeliveredTotal.WithLabelValues(event).Add(float64(delivered))
	}
	if dropped > 0 {
		m.fanoutDroppedTotal.WithLabelValues(event).Add(float64(dropped))
	}
}

// CallInitiated implements call.Recorder
func (m *Metrics) CallInitiated(callType domain.CallType) {
	m.callsTotal.WithLabelValues(string(callType), string(domain.CallStatusPending)).Inc()
	m.callsActive.Inc()
}

// CallFinished implements call.Recorder
func (m *Metrics) CallFinished(callType domain.CallType, status domain.CallStatus, durationSeconds int) {
	m.callsTotal.WithLabelValues(string(callType), string(status)).Inc()
	m.callsActive.Dec()
	if status == domain.CallStatusCompleted {
		m.callsDuration.WithLabelValues(string(callType)).Observe(float64(durationSeconds))
	}
}

// RecordPushResult counts a push gateway outcome. Fits push.WithResultObserver.
func (m *Metrics) RecordPushResult(result string) {
	m.pushNotificationsTotal.WithLabelValues(result).Inc()
}

// SetBreakerState fits resilience.WithStateObserver
func (m *Metrics) SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}

// RecordBackgroundFailure fits background.WithFailureHook
func (m *Metrics) RecordBackgroundFailure(task string) {
	m.backgroundFailuresTotal.WithLabelValues(task).Inc()
}

// SetRedisDegraded fits database.WithDegradedObserver
func (m *Metrics) SetRedisDegraded(degraded bool) {
	if degraded {
		m.redisDegraded.Set(1)
		return
	}
	m.redisDegraded.Set(0)
}

func (m *Metrics) RecordRedisHealthCheck() {
	m.redisHealthChecks.Inc()
}
