// Package obs wires the worker's ambient observability surface: a
// Prometheus registry exposed at GET /metrics (internal/webhook's
// promhttp.Handler) covering job-outcome counters and SSH-pool
// connection gauges, per SPEC_FULL.md §4.8's supplement list.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the worker's Prometheus collectors. The zero value is
// not usable; construct with New.
type Metrics struct {
	jobOutcomes *prometheus.CounterVec
}

// New creates and registers the worker's collectors against reg. Pass
// prometheus.DefaultRegisterer to expose them on the default
// promhttp.Handler() used by internal/webhook.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camunda_processes",
			Subsystem: "worker",
			Name:      "job_outcomes_total",
			Help:      "Count of handled jobs by task type and outcome (completed, failed, bpmn_error).",
		}, []string{"task_type", "outcome"}),
	}
	reg.MustRegister(m.jobOutcomes)
	return m
}

// JobOutcome implements jobrun.OutcomeRecorder.
func (m *Metrics) JobOutcome(taskType, outcome string) {
	m.jobOutcomes.WithLabelValues(taskType, outcome).Inc()
}

// SSHPoolGaugeFunc registers a gauge sampling pool's current active
// connection count on every /metrics scrape, avoiding any need for the
// pool itself to push updates.
func SSHPoolGaugeFunc(reg prometheus.Registerer, sample func() int) {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "camunda_processes",
		Subsystem: "worker",
		Name:      "ssh_pool_active_connections",
		Help:      "Number of currently open multiplexed SSH connections held by the pool.",
	}, func() float64 { return float64(sample()) })
	reg.MustRegister(gauge)
}
