package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CallMetrics tracks call coordination. A nil *CallMetrics is a valid no-op recorder.
type CallMetrics struct {
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	signalsSentTotal    *prometheus.CounterVec
	signalsAppliedTotal *prometheus.CounterVec
	signalsIgnoredTotal *prometheus.CounterVec

	incomingSurfacedTotal prometheus.Counter
	streamDroppedTotal    *prometheus.CounterVec
}

// NewCallMetrics registers call metrics on reg
func NewCallMetrics(reg prometheus.Registerer, serviceName string) *CallMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &CallMetrics{
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "callcore_calls_total",
				Help:        "Total number of calls by final outcome",
				ConstLabels: labels,
			},
			[]string{"kind", "role", "outcome"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "callcore_calls_active",
				Help:        "Number of calls currently held by this process",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "callcore_call_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"kind"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "callcore_calls_failed_total",
				Help:        "Total number of failed calls",
				ConstLabels: labels,
			},
			[]string{"kind", "reason"},
		),
		signalsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "callcore_signals_sent_total",
				Help:        "Total number of signal messages written",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		signalsAppliedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "callcore_signals_applied_total",
				Help:        "Total number of inbound signal messages applied to the engine",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		signalsIgnoredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "callcore_signals_ignored_total",
				Help:        "Total number of inbound signal messages ignored",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		incomingSurfacedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "callcore_incoming_surfaced_total",
				Help:        "Total number of incoming calls surfaced",
				ConstLabels: labels,
			},
		),
		streamDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "callcore_stream_events_dropped_total",
				Help:        "Events dropped because a stream consumer lagged",
				ConstLabels: labels,
			},
			[]string{"stream"},
		),
	}
}

// RecordCallStarted counts a call entering this process
func (m *CallMetrics) RecordCallStarted() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

// RecordCallFinished records the outcome of a call leaving this process
func (m *CallMetrics) RecordCallFinished(kind, role, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsActive.Dec()
	m.callsTotal.WithLabelValues(kind, role, outcome).Inc()
	if duration > 0 {
		m.callsDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordCallFailure counts a failure by reason
func (m *CallMetrics) RecordCallFailure(kind, reason string) {
	if m == nil {
		return
	}
	m.callsFailedTotal.WithLabelValues(kind, reason).Inc()
}

// RecordSignalSent counts an outbound signal write
func (m *CallMetrics) RecordSignalSent(signalType string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.signalsSentTotal.WithLabelValues(signalType, status).Inc()
}

// RecordSignalApplied counts an inbound signal handed to the engine
func (m *CallMetrics) RecordSignalApplied(signalType string) {
	if m == nil {
		return
	}
	m.signalsAppliedTotal.WithLabelValues(signalType).Inc()
}

// RecordSignalIgnored counts an inbound signal that was skipped
func (m *CallMetrics) RecordSignalIgnored(reason string) {
	if m == nil {
		return
	}
	m.signalsIgnoredTotal.WithLabelValues(reason).Inc()
}

// RecordIncomingSurfaced counts a surfaced incoming call
func (m *CallMetrics) RecordIncomingSurfaced() {
	if m == nil {
		return
	}
	m.incomingSurfacedTotal.Inc()
}

// RecordStreamDrop counts a dropped stream event
func (m *CallMetrics) RecordStreamDrop(stream string) {
	if m == nil {
		return
	}
	m.streamDroppedTotal.WithLabelValues(stream).Inc()
}
