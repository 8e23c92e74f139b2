package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	require.NotNil(t, m)

	timer := m.AppendDuration("Order")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	timer = m.LoadDuration("Order")
	timer.ObserveDuration()

	m.EventsAppended("Order", 3)
	m.ConcurrencyConflict("Order")
	m.CommandRetry("Order")
	m.SnapshotSaved("Order", true)
	m.SnapshotSaved("Order", false)
	m.PublishFailed()

	timer = m.ProjectionEventDuration("order_summary")
	timer.ObserveDuration()
	m.ProjectionEventProcessed("order_summary", true)
	m.ProjectionRetry("order_summary")
	m.ProjectionQuarantined("order_summary")
	m.ProjectionPosition("order_summary", 42)
	m.ProjectionLag("order_summary", 7)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["eventcore_append_duration_seconds"])
	assert.True(t, names["eventcore_concurrency_conflicts_total"])
	assert.True(t, names["eventcore_projection_quarantined_total"])
	assert.True(t, names["eventcore_projection_lag"])
}

func TestOrNop(t *testing.T) {
	r := OrNop(nil)
	require.NotNil(t, r)

	// must not panic
	r.AppendDuration("Order").ObserveDuration()
	r.ProjectionLag("x", 1)

	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)
	assert.Same(t, p, OrNop(p))
}
