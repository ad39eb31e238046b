package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coachpo/pooler/lib/pool"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, match func(attribute.Set) bool) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		if match(dp.Attributes) {
			total += dp.Value
		}
	}
	return total
}

func gaugeFor(t *testing.T, m metricdata.Metrics, match func(attribute.Set) bool) (int64, bool) {
	t.Helper()
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "metric %s is not an int64 gauge", m.Name)
	for _, dp := range gauge.DataPoints {
		if match(dp.Attributes) {
			return dp.Value, true
		}
	}
	return 0, false
}

func hasAttr(key attribute.Key, value string) func(attribute.Set) bool {
	return func(set attribute.Set) bool {
		v, ok := set.Value(key)
		return ok && v.AsString() == value
	}
}

func TestPoolMetricsRecordsEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := NewMeterProvider(nil, reader)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewPoolMetrics(mp.Meter("test"), "test")
	require.NoError(t, err)

	m.Acquired("bullets", 2*time.Millisecond)
	m.Acquired("bullets", time.Millisecond)
	m.Released("bullets")
	m.Manufactured("bullets")
	m.Retired("bullets", pool.RetireResetFailed)
	m.Retired("bullets", pool.RetireShrink)
	m.Exhausted("sparks")
	m.InvalidRelease("sparks")

	metrics := collect(t, reader)
	bullets := hasAttr(AttrPoolName, "bullets")
	require.EqualValues(t, 2, sumFor(t, metrics[MetricAcquired], bullets))
	require.EqualValues(t, 1, sumFor(t, metrics[MetricReleased], bullets))
	require.EqualValues(t, 1, sumFor(t, metrics[MetricManufactured], bullets))
	require.EqualValues(t, 1, sumFor(t, metrics[MetricRetired], hasAttr(AttrReason, string(pool.RetireShrink))))
	require.EqualValues(t, 2, sumFor(t, metrics[MetricRetired], bullets))
	require.EqualValues(t, 1, sumFor(t, metrics[MetricExhausted], hasAttr(AttrPoolName, "sparks")))
	require.EqualValues(t, 1, sumFor(t, metrics[MetricInvalidRelease], hasAttr(AttrEnvironment, "test")))

	hist, ok := metrics[MetricAcquireDuration].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	require.EqualValues(t, 2, hist.DataPoints[0].Count)
	require.InDelta(t, 3.0, hist.DataPoints[0].Sum, 0.001)
	require.Equal(t, []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000}, hist.DataPoints[0].Bounds)
}

func TestObserveStatsReportsSnapshots(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := NewMeterProvider(nil, reader)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	p, err := pool.New(func() (*struct{ n int }, error) { return &struct{ n int }{}, nil },
		pool.Config{Name: "gauged", InitialCapacity: 3, MaxCapacity: 5})
	require.NoError(t, err)
	defer p.Destroy()
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	reg, err := ObserveStats(mp.Meter("test"), "test", func() []pool.Stats {
		return []pool.Stats{p.Stats()}
	})
	require.NoError(t, err)
	defer reg.Unregister()

	metrics := collect(t, reader)
	free, ok := gaugeFor(t, metrics[MetricInstances], hasAttr(AttrState, StateFree))
	require.True(t, ok)
	require.EqualValues(t, 2, free)
	inUse, ok := gaugeFor(t, metrics[MetricInstances], hasAttr(AttrState, StateInUse))
	require.True(t, ok)
	require.EqualValues(t, 1, inUse)
	capacity, ok := gaugeFor(t, metrics[MetricCapacity], hasAttr(AttrPoolName, "gauged"))
	require.True(t, ok)
	require.EqualValues(t, 5, capacity)

	require.NoError(t, p.Release(held))
}

func TestDisabledProviderFallsBackToGlobalMeter(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Meter("noop"))
	require.NoError(t, p.Shutdown(context.Background()))
	require.Equal(t, "development", p.Environment())
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
