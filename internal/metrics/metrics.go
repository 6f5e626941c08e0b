// Package metrics exposes the engine's Prometheus metrics. Metrics live in
// a dedicated registry so they do not interfere with the default global
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instrument set.
type Metrics struct {
	registry *prometheus.Registry

	Transitions *prometheus.CounterVec
	JobOutcomes *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	ChainCalls  *prometheus.CounterVec
	CachePurges prometheus.Counter

	IndexerLastBlock prometheus.Gauge
	IndexerBlockLag  prometheus.Gauge
}

// New creates the instrument set in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolvd",
			Name:      "transitions_total",
			Help:      "State transitions by from/to/outcome.",
		}, []string{"from", "to", "outcome"}),
		JobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolvd",
			Name:      "jobs_total",
			Help:      "Job attempts by queue/type/outcome.",
		}, []string{"queue", "type", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "resolvd",
			Name:      "job_duration_seconds",
			Help:      "Job handler duration by queue.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"queue"}),
		ChainCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolvd",
			Name:      "chain_calls_total",
			Help:      "Chain adapter calls by method/outcome.",
		}, []string{"method", "outcome"}),
		CachePurges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resolvd",
			Name:      "cache_purges_total",
			Help:      "Settlement cache purges.",
		}),
		IndexerLastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resolvd",
			Name:      "indexer_last_block",
			Help:      "Last fully indexed block.",
		}),
		IndexerBlockLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resolvd",
			Name:      "indexer_block_lag",
			Help:      "Blocks between chain head and the index watermark.",
		}),
	}

	reg.MustRegister(
		m.Transitions, m.JobOutcomes, m.JobDuration,
		m.ChainCalls, m.CachePurges,
		m.IndexerLastBlock, m.IndexerBlockLag,
	)
	return m
}

// ObserveTransition records a transition attempt.
func (m *Metrics) ObserveTransition(from, to, outcome string) {
	m.Transitions.WithLabelValues(from, to, outcome).Inc()
}

// ObserveJob records one job attempt.
func (m *Metrics) ObserveJob(queue, jobType, outcome string, d time.Duration) {
	m.JobOutcomes.WithLabelValues(queue, jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
