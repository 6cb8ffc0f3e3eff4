// Package metrics exposes execution metrics in the Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/cellrunner/internal/executor"
)

// PoolStatser reports the admission pool state at scrape time.
type PoolStatser interface {
	Stats() executor.PoolStats
}

// Metrics is an executor.Observer that feeds a private registry.
type Metrics struct {
	registry   *prometheus.Registry
	executions *prometheus.CounterVec
	violations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	artifacts  prometheus.Counter
	truncated  prometheus.Counter
}

var _ executor.Observer = (*Metrics)(nil)

// New registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellrunner",
			Name:      "executions_total",
			Help:      "Finished executions by outcome and exceeded resource.",
		}, []string{"backend", "outcome", "resource"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellrunner",
			Name:      "sandbox_violations_total",
			Help:      "Executions the sandbox could not run safely. Alert on any increase.",
		}, []string{"backend"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cellrunner",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock time from admission to assembled result.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"backend", "outcome"}),
		artifacts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellrunner",
			Name:      "visualizations_total",
			Help:      "Visualizations returned to callers.",
		}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellrunner",
			Name:      "truncated_outputs_total",
			Help:      "Executions whose output exceeded the capture limit.",
		}),
	}

	m.registry.MustRegister(
		m.executions,
		m.violations,
		m.duration,
		m.artifacts,
		m.truncated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// WatchPool exports pool occupancy as gauges read at scrape time. Call it
// once, after the engine exists.
func (m *Metrics) WatchPool(pool PoolStatser) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cellrunner",
			Name:      "pool_running",
			Help:      "Executions currently holding a slot.",
		}, func() float64 { return float64(pool.Stats().Running) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cellrunner",
			Name:      "pool_queued",
			Help:      "Executions waiting for a slot.",
		}, func() float64 { return float64(pool.Stats().Queued) }),
	)
}

// ExecutionFinished implements executor.Observer.
func (m *Metrics) ExecutionFinished(_ context.Context, rec executor.Record) {
	res := rec.Result
	outcome := string(res.Outcome)

	m.executions.WithLabelValues(rec.Backend, outcome, string(res.Resource)).Inc()
	m.duration.WithLabelValues(rec.Backend, outcome).Observe(res.Duration.Seconds())
	m.artifacts.Add(float64(len(res.Visualizations)))
	if res.Truncated {
		m.truncated.Inc()
	}
	if res.Outcome == executor.KindSandboxViolation {
		m.violations.WithLabelValues(rec.Backend).Inc()
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
