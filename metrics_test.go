package meshportal

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg, "portal-a")

	m.IncrementFramesIn()
	m.IncrementFramesIn()
	m.IncrementFramesOut()
	m.IncrementExchangesOpened()
	m.IncrementExchangesTimedOut()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesIn))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesOut))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchangesOpened))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.exchangesCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchangesTimedOut))
}

func TestPrometheusMetricsSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPrometheusMetrics(reg, "portal-a")
	b := NewPrometheusMetrics(reg, "portal-b")

	a.IncrementFramesIn()
	b.IncrementFramesIn()
	b.IncrementFramesIn()

	// Both views share one CounterVec per metric; the portal_key label
	// keeps their series apart.
	assert.Equal(t, 1.0, testutil.ToFloat64(a.framesIn))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.framesIn))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["mesh_portal_frames_in_total"])
}

func TestDefaultMetricsCounters(t *testing.T) {
	m := NewDefaultMetrics()
	m.IncrementFramesIn()
	m.IncrementExchangesCompleted()
	assert.Equal(t, int64(1), m.GetFramesIn())
	assert.Equal(t, int64(1), m.GetExchangesCompleted())
	assert.Equal(t, int64(0), m.GetFramesOut())
}
