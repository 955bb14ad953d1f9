package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// counterValue sums every series of the named counter family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.Decisions.WithLabelValues("attach_exact").Inc()
	a.Decisions.WithLabelValues("attach_exact").Inc()
	b.Errors.WithLabelValues("transient_io").Inc()

	require.Equal(t, 2.0, counterValue(t, a.Registry, "docdedup_decisions_total"))
	require.Equal(t, 0.0, counterValue(t, b.Registry, "docdedup_decisions_total"))
	require.Equal(t, 1.0, counterValue(t, b.Registry, "docdedup_errors_total"))
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("gauge %s not gathered", name)
	return 0
}

func TestStoreGaugesReadOnScrape(t *testing.T) {
	m := New()
	counts := StoreCounts{Documents: 3, Sources: 5, DuplicateGroups: 2, Overlaps: 1}
	require.NoError(t, m.RegisterStore(func(context.Context) (StoreCounts, error) { return counts, nil }))
	require.NoError(t, m.RegisterStore(func(context.Context) (StoreCounts, error) { return counts, nil }))

	require.Equal(t, 3.0, gaugeValue(t, m.Registry, "docdedup_canonical_documents"))
	require.Equal(t, 5.0, gaugeValue(t, m.Registry, "docdedup_document_sources"))

	counts.Documents = 4
	counts.PendingReviews = 1
	require.Equal(t, 4.0, gaugeValue(t, m.Registry, "docdedup_canonical_documents"))
	require.Equal(t, 1.0, gaugeValue(t, m.Registry, "docdedup_pending_reviews"))
}

func TestStoreGaugesSurfaceReadErrors(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterStore(func(context.Context) (StoreCounts, error) {
		return StoreCounts{}, errors.New("database is locked")
	}))
	_, err := m.Registry.Gather()
	require.ErrorContains(t, err, "database is locked")
}
