// Package metrics exposes the agent's operational counters over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records reconciliation activity. A nil *Metrics is a valid no-op
// receiver so tests and dry runs can skip registration.
type Metrics struct {
	cycles            *prometheus.CounterVec
	cycleDuration     *prometheus.HistogramVec
	containerWrites   *prometheus.CounterVec
	decisionsEnforced *prometheus.GaugeVec
	failures          *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by service and outcome",
		}, []string{"service", "status"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Reconciliation cycle duration by service",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		containerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "container_writes_total",
			Help:      "Remote container mutations by service",
		}, []string{"service"}),
		decisionsEnforced: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decisions_enforced",
			Help:      "Decisions currently held in the local decision set by action",
		}, []string{"action"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failures by service and error kind",
		}, []string{"service", "kind"}),
	}
	prometheus.MustRegister(
		m.cycles, m.cycleDuration, m.containerWrites,
		m.decisionsEnforced, m.failures,
	)
	return m
}

func (m *Metrics) ObserveCycle(service, status string, seconds float64) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(service, status).Inc()
	m.cycleDuration.WithLabelValues(service).Observe(seconds)
}

func (m *Metrics) AddContainerWrites(service string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.containerWrites.WithLabelValues(service).Add(float64(n))
}

func (m *Metrics) SetDecisionsEnforced(action string, n int) {
	if m == nil {
		return
	}
	m.decisionsEnforced.WithLabelValues(action).Set(float64(n))
}

func (m *Metrics) IncFailure(service, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(service, kind).Inc()
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
