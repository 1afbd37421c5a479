// Package metrics registers and exposes the control plane's Prometheus
// instruments: request counts by intent and outcome, latency histograms
// for the triage and mastery paths, a breaker-state gauge per target,
// consumer lag per partition, and dead-letter/audit-drop counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutormesh/control-plane/pkg/models"
)

// breakerStateValue maps a breaker state onto a gauge value so dashboards
// can alert on anything non-zero: closed=0, half_open=1, open=2.
var breakerStateValue = map[models.BreakerState]float64{
	models.BreakerClosed:   0,
	models.BreakerHalfOpen: 1,
	models.BreakerOpen:     2,
}

// Metrics owns every instrument the control plane exports. A fresh
// registry per instance keeps tests independent of each other and of the
// default global registry.
type Metrics struct {
	registry *prometheus.Registry

	TriageRequests      *prometheus.CounterVec
	TriageLatency       *prometheus.HistogramVec
	MasteryQueryLatency *prometheus.HistogramVec
	BreakerState        *prometheus.GaugeVec
	ConsumerLag         *prometheus.GaugeVec
	EventsProcessed     *prometheus.CounterVec
	DeadLetters         prometheus.Counter
	AuditDrops          prometheus.Counter
}

// New builds and registers every instrument on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TriageRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutormesh_triage_requests_total",
			Help: "Triage requests by classified intent and final outcome.",
		}, []string{"intent", "outcome"}),
		TriageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tutormesh_triage_duration_seconds",
			Help:    "End-to-end triage request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		MasteryQueryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tutormesh_mastery_query_duration_seconds",
			Help:    "Mastery query/prediction/recommendation latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tutormesh_breaker_state",
			Help: "Circuit breaker state per downstream agent (0 closed, 1 half_open, 2 open).",
		}, []string{"target"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tutormesh_consumer_lag",
			Help: "Learning-events consumer lag per partition.",
		}, []string{"partition"}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutormesh_events_processed_total",
			Help: "Learning-progress events by processing result.",
		}, []string{"result"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tutormesh_deadletter_total",
			Help: "Events diverted to the dead-letter topic.",
		}),
		AuditDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tutormesh_audit_drops_total",
			Help: "Audits spilled to disk because the emitter queue was full or every publish attempt failed.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TriageRequests,
		m.TriageLatency,
		m.MasteryQueryLatency,
		m.BreakerState,
		m.ConsumerLag,
		m.EventsProcessed,
		m.DeadLetters,
		m.AuditDrops,
	)
	return m
}

// SetBreakerState records a breaker transition on the per-target gauge.
// Wired as the breaker.Manager's OnStateChange callback.
func (m *Metrics) SetBreakerState(target string, state models.BreakerState) {
	m.BreakerState.WithLabelValues(target).Set(breakerStateValue[state])
}

// Handler serves the registry in the standard text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
