// Package observability provides Prometheus metrics for the pipeline.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	JobsProcessed     *prometheus.CounterVec // by event type
	JobsFailed        *prometheus.CounterVec // by event type
	DuplicatesSkipped prometheus.Counter

	CorruptSnapshots prometheus.Counter
	DigestsPersisted prometheus.Counter
	DigestsEvicted   prometheus.Counter

	ScorePublished      prometheus.Counter
	ScorePublishRetries prometheus.Counter
	ScorePublishFailed  prometheus.Counter

	IngestEvents *prometheus.CounterVec // by event type
}

// NewMetrics registers all metrics on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "featflow"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Feature jobs processed successfully.",
		}, []string{"type"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Feature jobs that failed and were left for redelivery.",
		}, []string{"type"}),
		DuplicatesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_duplicate_total",
			Help:      "Redelivered jobs skipped by the idempotency guard.",
		}),

		CorruptSnapshots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digest_corrupt_snapshots_total",
			Help:      "Durable digest snapshots discarded as unreadable.",
		}),
		DigestsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digest_persists_total",
			Help:      "Digest snapshots written to the durable store.",
		}),
		DigestsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digest_evictions_total",
			Help:      "Digests evicted from the in-memory cache by LRU pressure.",
		}),

		ScorePublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_published_total",
			Help:      "Scoring jobs delivered downstream.",
		}),
		ScorePublishRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_publish_retries_total",
			Help:      "Downstream publish attempts that were retried.",
		}),
		ScorePublishFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_publish_failed_total",
			Help:      "Scoring jobs that exhausted their delivery attempts.",
		}),

		IngestEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_events_total",
			Help:      "Market events accepted by the ingest feed.",
		}, []string{"type"}),
	}
}

// Handler serves the metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
