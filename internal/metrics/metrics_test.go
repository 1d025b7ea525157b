package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStateRecordsAgainstLabel(t *testing.T) {
	m := New(nil)
	m.ObserveState("relax", 0.5)
	m.ObserveState("relax", 1.5)

	got := &dto.Metric{}
	require.NoError(t, m.SecsPerState.WithLabelValues("relax").(prometheus.Histogram).Write(got))
	assert.EqualValues(t, 2, got.GetHistogram().GetSampleCount())
	assert.InDelta(t, 2.0, got.GetHistogram().GetSampleSum(), 0.001)
}

func TestAddBytesRecordsAgainstLabelPair(t *testing.T) {
	m := New(nil)
	m.AddBytes("src", "dst", 100)
	m.AddBytes("src", "dst", 50)

	got := &dto.Metric{}
	require.NoError(t, m.BytesTransferred.WithLabelValues("src", "dst").Write(got))
	assert.InDelta(t, 150, got.GetCounter().GetValue(), 0.001)
}

func TestNilMetricsMethodsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveState("relax", 1)
		m.AddBytes("a", "b", 10)
	})
}

func TestNewRegistersVectorsWhenGivenARegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, mfs) // no observations yet, but registration didn't panic/error
}
