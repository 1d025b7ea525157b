// Package metrics collects the Prometheus vectors shared by the
// planner and transfer engine: seconds spent per pipeline state, and
// bytes moved per store pair. It mirrors the teacher's
// NewPlanner(secsPerState, bytesReplicated, ...) wiring, generalized
// from one ZFS replication loop to an arbitrary number of diff
// transfers per sync job.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the vectors a Planner and the transfer engine record
// into. A nil *Metrics is valid everywhere it's accepted: every
// recording method on Planner/transfer.Copy no-ops when metrics is
// nil, so instrumentation is opt-in.
type Metrics struct {
	SecsPerState     *prometheus.HistogramVec
	BytesTransferred *prometheus.CounterVec
}

// New builds a Metrics and, if reg is non-nil, registers both vectors
// with it. Passing a nil Registerer builds the vectors without
// registering them, useful in tests that only want to read the
// recorded values back.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SecsPerState: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buttersync",
			Subsystem: "planner",
			Name:      "pipeline_state_seconds",
			Help:      "Time spent in each planning pipeline state (relax, measure, finish).",
		}, []string{"state"}),
		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buttersync",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Bytes copied per source/destination store pair.",
		}, []string{"source", "destination"}),
	}
	if reg != nil {
		reg.MustRegister(m.SecsPerState, m.BytesTransferred)
	}
	return m
}

// ObserveState records seconds spent in pipeline state name. A nil
// Metrics is a no-op, so callers don't need a separate nil check.
func (m *Metrics) ObserveState(state string, seconds float64) {
	if m == nil {
		return
	}
	m.SecsPerState.WithLabelValues(state).Observe(seconds)
}

// AddBytes records n bytes moved from source to destination.
func (m *Metrics) AddBytes(source, destination string, n uint64) {
	if m == nil {
		return
	}
	m.BytesTransferred.WithLabelValues(source, destination).Add(float64(n))
}
