// Package metrics exposes the Prometheus-style counters and gauges called
// for by SPEC_FULL.md §11: worker restarts, active connections, pending
// calls, and rate-limit rejections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric lootboxd reports and the /metrics handler that
// serves them.
type Collector struct {
	registry *prometheus.Registry

	WorkerRestarts      *prometheus.CounterVec
	WorkerFailures      *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge
	PendingCalls        prometheus.Gauge
	RateLimitRejections prometheus.Counter
	CallDuration        *prometheus.HistogramVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		WorkerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lootbox",
			Name:      "worker_restarts_total",
			Help:      "Total number of times a worker was respawned after a crash.",
		}, []string{"namespace"}),
		WorkerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lootbox",
			Name:      "worker_failures_total",
			Help:      "Total number of workers that failed before ever becoming ready.",
		}, []string{"namespace"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lootbox",
			Name:      "active_connections",
			Help:      "Number of currently open WebSocket connections.",
		}),
		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lootbox",
			Name:      "pending_calls",
			Help:      "Number of calls awaiting a result from a worker.",
		}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lootbox",
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of inbound messages rejected for exceeding the per-connection rate limit.",
		}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lootbox",
			Name:      "call_duration_seconds",
			Help:      "Observed duration of tool.function calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"namespace", "function"}),
	}

	reg.MustRegister(
		c.WorkerRestarts,
		c.WorkerFailures,
		c.ActiveConnections,
		c.PendingCalls,
		c.RateLimitRejections,
		c.CallDuration,
	)
	return c
}

// Handler returns the /metrics HTTP handler, analogous to teacher's
// agent_pool.go mounting promhttp.Handler() directly on its mux.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveCallDuration records the duration of one completed tool.function
// call, satisfying internal/worker's CallMetrics interface.
func (c *Collector) ObserveCallDuration(namespace, function string, seconds float64) {
	c.CallDuration.WithLabelValues(namespace, function).Observe(seconds)
}
