// Package metrics holds the Prometheus collectors of the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "device_identity"

type Metrics struct {
	registry *prometheus.Registry

	enrollments     *prometheus.CounterVec
	renewals        *prometheus.CounterVec
	gateDecisions   *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	auditFailures   *prometheus.CounterVec
	challengePurges prometheus.Counter
	purgeFailures   prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_total",
			Help:      "Challenge validations by result code.",
		}, []string{"result"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_total",
			Help:      "Credential renewals by result code.",
		}, []string{"result"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Authorization gate decisions by operation and result code.",
		}, []string{"operation", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Device and enrollment request state transitions.",
		}, []string{"entity", "to"}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Best-effort audit writes that failed, by event type.",
		}, []string{"type"}),
		challengePurges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_purged_total",
			Help:      "Enrollment challenges removed by the purge job.",
		}),
		purgeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenge_purge_failures_total",
			Help:      "Purge sweeps that failed.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.enrollments,
		m.renewals,
		m.gateDecisions,
		m.transitions,
		m.auditFailures,
		m.challengePurges,
		m.purgeFailures,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Enrollment(result string) {
	if m == nil {
		return
	}
	m.enrollments.WithLabelValues(result).Inc()
}

func (m *Metrics) Renewal(result string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(result).Inc()
}

func (m *Metrics) GateDecision(operation, result string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) Transition(entity, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, to).Inc()
}

func (m *Metrics) AuditWriteFailed(eventType string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ChallengesPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.challengePurges.Add(float64(n))
}

func (m *Metrics) PurgeFailed() {
	if m == nil {
		return
	}
	m.purgeFailures.Inc()
}
