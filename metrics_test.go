package opqueue

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMetrics(reg)
	q := NewPoolQueue[string](Options{Metrics: m}, nil)

	require.NoError(t, q.Enqueue(1, 0, 1, Request[string]{Type: TypeRecovery, Pool: 1}))
	require.NoError(t, q.Enqueue(2, 0, 1, Request[string]{Type: TypeRecovery, Pool: 1}))
	require.NoError(t, q.EnqueueStrict(1, 10, Request[string]{Type: TypePeeringEvent, Pool: 1}))

	_, err := q.Dequeue()
	require.NoError(t, err)
	q.RemoveByClass(2, nil)

	require.Equal(t, 2.0, testutil.ToFloat64(m.enqueued.WithLabelValues("bg_recovery", "weighted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.enqueued.WithLabelValues("peering_event", "strict")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.dequeued.WithLabelValues("peering_event", "strict")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.removed))
	require.Equal(t, 1.0, testutil.ToFloat64(m.queued))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]dto.MetricType{}
	for _, mf := range mfs {
		names[mf.GetName()] = mf.GetType()
	}
	require.Equal(t, map[string]dto.MetricType{
		"opqueue_enqueued_total": dto.MetricType_COUNTER,
		"opqueue_dequeued_total": dto.MetricType_COUNTER,
		"opqueue_removed_total":  dto.MetricType_COUNTER,
		"opqueue_queued":         dto.MetricType_GAUGE,
	}, names)
}

func TestAtomicMetricsIgnoresUnknownLabels(t *testing.T) {
	m := &AtomicMetrics{}
	m.IncEnqueued(numOpClasses, false)
	m.IncDequeued(numOpClasses, numPhases)
	require.Zero(t, m.Queued())
}
