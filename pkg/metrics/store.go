package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreCounts are the totals of a canonical store at one moment.
type StoreCounts struct {
	Documents       int
	Sources         int
	DuplicateGroups int
	Overlaps        int
	PendingReviews  int
}

// StoreReader reads the current totals of a store.
type StoreReader func(ctx context.Context) (StoreCounts, error)

const storeReadTimeout = 5 * time.Second

// storeCollector reads the store once per scrape and reports every total
// from that one read.
type storeCollector struct {
	read StoreReader

	documents *prometheus.Desc
	sources   *prometheus.Desc
	groups    *prometheus.Desc
	overlaps  *prometheus.Desc
	reviews   *prometheus.Desc
}

func newStoreCollector(read StoreReader) *storeCollector {
	return &storeCollector{
		read:      read,
		documents: prometheus.NewDesc("docdedup_canonical_documents", "Canonical documents in the store", nil, nil),
		sources:   prometheus.NewDesc("docdedup_document_sources", "Source occurrences in the store", nil, nil),
		groups:    prometheus.NewDesc("docdedup_duplicate_groups", "Recorded duplicate relationships", nil, nil),
		overlaps:  prometheus.NewDesc("docdedup_partial_overlaps", "Recorded partial overlaps", nil, nil),
		reviews:   prometheus.NewDesc("docdedup_pending_reviews", "Review queue entries awaiting a decision", nil, nil),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.documents
	ch <- c.sources
	ch <- c.groups
	ch <- c.overlaps
	ch <- c.reviews
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), storeReadTimeout)
	defer cancel()
	counts, err := c.read(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.documents, err)
		return
	}
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	gauge(c.documents, counts.Documents)
	gauge(c.sources, counts.Sources)
	gauge(c.groups, counts.DuplicateGroups)
	gauge(c.overlaps, counts.Overlaps)
	gauge(c.reviews, counts.PendingReviews)
}

// RegisterStore exposes the store totals returned by read as gauges on the
// registry. Registering a second reader on the same Metrics is a no-op.
func (m *Metrics) RegisterStore(read StoreReader) error {
	err := m.Registry.Register(newStoreCollector(read))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}
