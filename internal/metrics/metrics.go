// Package metrics exposes Prometheus collectors for the recommendation path and
// the embedding backfill job.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookrec_embedding_requests_total",
		Help: "Embedding requests sent to the external service",
	}, []string{"provider", "outcome"})

	EmbeddingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bookrec_embedding_request_duration_seconds",
		Help:    "Latency of embedding requests",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	Recommendations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookrec_recommendations_total",
		Help: "Recommendation requests by outcome",
	}, []string{"outcome"})

	RecommendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bookrec_recommend_duration_seconds",
		Help:    "End-to-end time to produce a recommendation",
		Buckets: prometheus.DefBuckets,
	})

	// Books skipped during scoring because they have no usable vector.
	UnscoredBooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookrec_unscored_books_total",
		Help: "Catalog items excluded from ranking",
	}, []string{"reason"})

	BackfillItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookrec_backfill_items_total",
		Help: "Books processed by the embedding backfill",
	}, []string{"outcome"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bookrec_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)
