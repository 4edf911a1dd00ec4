package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := New(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, "metric %s not found", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDispatch(ctx, "speech", 2)
	m.RecordDispatch(ctx, "text", 0)
	m.RecordDiscard(ctx, ReasonTooShort)
	m.RecordBargeIn(ctx)
	m.RecordBargeIn(ctx)
	m.RecordClassifierError(ctx)
	m.SessionOpened(ctx)
	m.SessionOpened(ctx)
	m.SessionClosed(ctx)

	rm := collect(t, reader)
	assert.Equal(t, int64(2), sumInt(t, rm, "turntaking.turns.dispatched"))
	assert.Equal(t, int64(2), sumInt(t, rm, "turntaking.segments.coalesced"))
	assert.Equal(t, int64(1), sumInt(t, rm, "turntaking.turns.discarded"))
	assert.Equal(t, int64(2), sumInt(t, rm, "turntaking.bargeins"))
	assert.Equal(t, int64(1), sumInt(t, rm, "turntaking.classifier.errors"))
	assert.Equal(t, int64(1), sumInt(t, rm, "turntaking.sessions.active"))
}

func TestDispatchDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordDispatchDuration(context.Background(), 1500*time.Millisecond, OutcomeCancelled)

	rm := collect(t, reader)
	found := findMetric(rm, "turntaking.dispatch.duration")
	require.NotNil(t, found)
	hist, ok := found.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 1.5, hist.DataPoints[0].Sum, 1e-9)

	outcome, ok := hist.DataPoints[0].Attributes.Value(attribute.Key("outcome"))
	require.True(t, ok)
	assert.Equal(t, OutcomeCancelled, outcome.AsString())
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordDispatch(ctx, "speech", 1)
		m.RecordDiscard(ctx, ReasonEvicted)
		m.RecordBargeIn(ctx)
		m.RecordClassifierError(ctx)
		m.RecordDispatchDuration(ctx, time.Second, OutcomeCompleted)
		m.SessionOpened(ctx)
		m.SessionClosed(ctx)
	})
}

func TestDefault(t *testing.T) {
	assert.Same(t, Default(), Default())
}
