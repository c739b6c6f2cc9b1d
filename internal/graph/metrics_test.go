package graph

import (
	"context"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avauthz/groupd/internal/config"
)

func gatherFamily(t *testing.T, m *Metrics, name string) *io_prometheus_client.MetricFamily {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func counterValue(family *io_prometheus_client.MetricFamily, labels map[string]string) float64 {
	if family == nil {
		return 0
	}
	for _, metric := range family.GetMetric() {
		matched := true
		for _, pair := range metric.GetLabel() {
			if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
				matched = false
				break
			}
		}
		if matched {
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetrics_RecordMutation(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordMutation("AddUser", "ok", time.Millisecond)
	m.RecordMutation("AddUser", "ok", time.Millisecond)
	m.RecordMutation("AddUser", "validation", time.Millisecond)

	family := gatherFamily(t, m, "test_graph_mutations_total")
	require.NotNil(t, family)

	assert.Equal(t, float64(2), counterValue(family, map[string]string{
		"op": "AddUser", "status": "ok",
	}))
	assert.Equal(t, float64(1), counterValue(family, map[string]string{
		"op": "AddUser", "status": "validation",
	}))
}

func TestMetrics_StoreObservesSnapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMetrics("test")
	store := NewStore(config.NewTunables(config.EngineConfig{
		CycleCheckCeiling: 1000,
		TraversalCeiling:  1000,
	}), WithMetrics(m))

	require.NoError(t, store.AddUser(ctx, "alice"))
	require.NoError(t, store.AddGroup(ctx, "eng"))
	require.NoError(t, store.AddMembership(ctx, UserRef("alice"), "eng", RoleMember))

	family := gatherFamily(t, m, "test_graph_snapshot_version")
	require.NotNil(t, family)
	require.Len(t, family.GetMetric(), 1)
	assert.Equal(t, float64(3), family.GetMetric()[0].GetGauge().GetValue())

	entities := gatherFamily(t, m, "test_graph_entity_count")
	require.NotNil(t, entities)
	for _, metric := range entities.GetMetric() {
		assert.Equal(t, float64(1), metric.GetGauge().GetValue())
	}
}

func TestMetrics_CycleCheckOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMetrics("test")
	store := NewStore(config.NewTunables(config.EngineConfig{
		CycleCheckCeiling: 1000,
		TraversalCeiling:  1000,
	}), WithMetrics(m))

	require.NoError(t, store.AddGroup(ctx, "a"))
	require.NoError(t, store.AddGroup(ctx, "b"))
	require.NoError(t, store.AddMembership(ctx, GroupRef("a"), "b", RoleMember))
	require.Error(t, store.AddMembership(ctx, GroupRef("b"), "a", RoleMember))

	family := gatherFamily(t, m, "test_graph_cycle_checks_total")
	require.NotNil(t, family)
	assert.Equal(t, float64(1), counterValue(family, map[string]string{"result": "ok"}))
	assert.Equal(t, float64(1), counterValue(family, map[string]string{"result": "cycle"}))
}
