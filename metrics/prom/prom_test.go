package prom

import (
	"testing"

	"github.com/ggoodman/storefront-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHistograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.IncCounter(metrics.CartMutations, map[string]string{"op": "add"})
	s.IncCounter(metrics.CartMutations, map[string]string{"op": "add"})
	s.IncCounter(metrics.CartMutations, map[string]string{"op": "remove", "extra": "ignored"})
	s.ObserveHistogram(metrics.ReconcileDuration, 0.25, nil)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]int{}
	for _, f := range families {
		byName[f.GetName()] = len(f.GetMetric())
	}
	assert.Equal(t, 2, byName["storefront_cart_mutations_total"])
	assert.Equal(t, 1, byName["storefront_reconcile_duration_seconds"])

	for _, f := range families {
		if f.GetName() != "storefront_cart_mutations_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			if m.GetLabel()[0].GetValue() == "add" {
				assert.Equal(t, 2.0, m.GetCounter().GetValue())
			}
		}
	}
}

func TestSharedRegistryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)

	a.IncCounter(metrics.SessionTransitions, map[string]string{"to": "authenticated"})
	b.IncCounter(metrics.SessionTransitions, map[string]string{"to": "authenticated"})

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, 2.0, families[0].GetMetric()[0].GetCounter().GetValue())
}
