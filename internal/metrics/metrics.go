// Package metrics exposes Prometheus collectors for the mining service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Operations    *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	Periods       prometheus.Counter
	Conflicts     prometheus.Counter
	SweepDuration prometheus.Histogram
	SweepFailed   prometheus.Counter
	HTTPRequests  *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minesim",
			Name:      "operations_total",
			Help:      "Service operations by name and result.",
		}, []string{"op", "result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minesim",
			Name:      "pause_transitions_total",
			Help:      "Pause and resume transitions by trigger.",
		}, []string{"transition", "trigger"}),
		Periods: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minesim",
			Name:      "periods_credited_total",
			Help:      "Accrual periods credited across all devices.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minesim",
			Name:      "write_conflicts_total",
			Help:      "Guarded writes rejected because the record changed.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "minesim",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of inactivity sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		SweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minesim",
			Name:      "sweep_record_failures_total",
			Help:      "Records a sweep could not reconcile.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minesim",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Operations, m.Transitions, m.Periods, m.Conflicts,
		m.SweepDuration, m.SweepFailed, m.HTTPRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Op(op, result string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Transition(transition, trigger string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(transition, trigger).Inc()
}

func (m *Metrics) Credited(periods int64) {
	if m == nil || periods <= 0 {
		return
	}
	m.Periods.Add(float64(periods))
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) Sweep(seconds float64, failed int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(seconds)
	if failed > 0 {
		m.SweepFailed.Add(float64(failed))
	}
}

func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
