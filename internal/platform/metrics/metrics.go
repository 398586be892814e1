// Package metrics registers the orchestrator's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Execution metrics
	ExecutionsStarted   prometheus.Counter
	ExecutionsCompleted *prometheus.CounterVec
	ExecutionsActive    prometheus.Gauge
	NodeDuration        *prometheus.HistogramVec

	// AI router metrics
	AIRequests   *prometheus.CounterVec
	AITokensUsed *prometheus.CounterVec
	AICost       *prometheus.CounterVec

	// Coordination metrics
	RateLimiterFailOpen prometheus.Counter
	LockAcquireFailed   prometheus.Counter
	BusDroppedEvents    prometheus.Counter
	KafkaMirrored       prometheus.Counter
}

// New creates and registers the metric set under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		ExecutionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Total number of workflow executions started",
		}),
		ExecutionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_completed_total",
			Help:      "Total number of workflow executions reaching a terminal status",
		}, []string{"status"}),
		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Number of executions currently running",
		}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind", "status"}),
		AIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_requests_total",
			Help:      "AI provider requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		AITokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_tokens_total",
			Help:      "Tokens consumed by provider",
		}, []string{"provider"}),
		AICost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_cost_usd_total",
			Help:      "Estimated AI spend by provider",
		}, []string{"provider"}),
		RateLimiterFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_fail_open_total",
			Help:      "Requests permitted because the limiter backing store errored",
		}),
		LockAcquireFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_failed_total",
			Help:      "Distributed lock acquisitions that found another holder",
		}),
		BusDroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_events_total",
			Help:      "Events dropped from slow subscriber queues",
		}),
		KafkaMirrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_mirrored_events_total",
			Help:      "Events mirrored to Kafka",
		}),
	}

	registry.MustRegister(
		m.ExecutionsStarted,
		m.ExecutionsCompleted,
		m.ExecutionsActive,
		m.NodeDuration,
		m.AIRequests,
		m.AITokensUsed,
		m.AICost,
		m.RateLimiterFailOpen,
		m.LockAcquireFailed,
		m.BusDroppedEvents,
		m.KafkaMirrored,
	)

	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
