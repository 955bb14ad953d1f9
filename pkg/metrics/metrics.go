// Package metrics provides Prometheus metrics for the ingestion pipeline
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one pipeline. Each instance registers on
// its own registry so several stores can run in one process.
type Metrics struct {
	Registry *prometheus.Registry

	DocumentsProcessed prometheus.Counter
	Decisions          *prometheus.CounterVec
	Errors             *prometheus.CounterVec
	Overlaps           prometheus.Counter
	BatchCommit        prometheus.Histogram
	Classify           prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		DocumentsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "docdedup_documents_processed_total",
			Help: "Documents that went through classification, including failed ones",
		}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docdedup_decisions_total",
			Help: "Committed classification decisions by kind",
		}, []string{"decision"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docdedup_errors_total",
			Help: "Per-document failures by error kind",
		}, []string{"kind"}),
		Overlaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "docdedup_overlaps_total",
			Help: "Partial overlaps recorded",
		}),
		BatchCommit: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docdedup_batch_commit_seconds",
			Help:    "Duration of one batch transaction",
			Buckets: prometheus.DefBuckets,
		}),
		Classify: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docdedup_classify_seconds",
			Help:    "Duration of hashing plus classification of one document",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}
