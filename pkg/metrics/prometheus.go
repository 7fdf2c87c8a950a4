package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const agentNamespace = "callcore_agent"

// Metrics is the call agent's registry: process collectors, the HTTP API,
// the event stream, the Redis backend and the coordinator's CallMetrics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests         *prometheus.CounterVec
	httpLatency          *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	eventClients prometheus.Gauge
	eventsSent   *prometheus.CounterVec

	redisDegraded     prometheus.Gauge
	redisHealthChecks *prometheus.CounterVec

	Call *CallMetrics
}

// NewMetrics builds a private registry so tests can create as many as they like
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}
	opts := func(subsystem, name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: agentNamespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels}
	}

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts(
			opts("http", "requests_total", "Control API requests by route and status")),
			[]string{"method", "endpoint", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   agentNamespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "Control API latency",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		httpRequestsInFlight: f.NewGauge(prometheus.GaugeOpts(
			opts("http", "requests_in_flight", "Control API requests being served"))),
		eventClients: f.NewGauge(prometheus.GaugeOpts(
			opts("events", "clients", "Open event stream websockets"))),
		eventsSent: f.NewCounterVec(prometheus.CounterOpts(
			opts("events", "sent_total", "Event stream messages by type and delivery result")),
			[]string{"type", "status"}),
		redisDegraded: f.NewGauge(prometheus.GaugeOpts(
			opts("redis", "degraded", "1 while the Redis signaling backend is unreachable"))),
		redisHealthChecks: f.NewCounterVec(prometheus.CounterOpts(
			opts("redis", "health_checks_total", "Redis pings by result")),
			[]string{"result"}),
		Call: NewCallMetrics(reg, serviceName),
	}
}

// GetRegistry returns the registry backing these metrics
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records a served request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() { m.httpRequestsInFlight.Inc() }

func (m *Metrics) DecrementHTTPRequestsInFlight() { m.httpRequestsInFlight.Dec() }

// SetEventClients sets the number of connected event stream clients
func (m *Metrics) SetEventClients(count int) {
	m.eventClients.Set(float64(count))
}

// RecordEvent counts one event stream message; status is "sent" or "dropped"
func (m *Metrics) RecordEvent(eventType, status string) {
	m.eventsSent.WithLabelValues(eventType, status).Inc()
}

// SetRedisDegraded flips the degraded-mode gauge
func (m *Metrics) SetRedisDegraded(degraded bool) {
	v := 0.0
	if degraded {
		v = 1
	}
	m.redisDegraded.Set(v)
}

// RecordRedisHealthCheck counts a ping by result
func (m *Metrics) RecordRedisHealthCheck(healthy bool) {
	result := "ok"
	if !healthy {
		result = "failed"
	}
	m.redisHealthChecks.WithLabelValues(result).Inc()
}
