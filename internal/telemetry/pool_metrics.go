package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pooler/lib/pool"
)

// PoolMetrics records pool events as OpenTelemetry instruments. It satisfies
// pool.Observer.
type PoolMetrics struct {
	environment string

	acquireDuration metric.Float64Histogram
	acquired        metric.Int64Counter
	released        metric.Int64Counter
	manufactured    metric.Int64Counter
	retired         metric.Int64Counter
	exhausted       metric.Int64Counter
	invalidRelease  metric.Int64Counter

	attrs sync.Map // pool name -> metric.MeasurementOption
}

var _ pool.Observer = (*PoolMetrics)(nil)

// NewPoolMetrics creates the pool event instruments on meter.
func NewPoolMetrics(meter metric.Meter, environment string) (*PoolMetrics, error) {
	m := &PoolMetrics{environment: environment}
	var errs []error
	var err error

	m.acquireDuration, err = meter.Float64Histogram(MetricAcquireDuration,
		metric.WithDescription("Time from Acquire call to instance hand-over"),
		metric.WithUnit("ms"))
	errs = append(errs, err)

	counter := func(name, description, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}
	m.acquired = counter(MetricAcquired, "Instances handed to callers", "{instance}")
	m.released = counter(MetricReleased, "Instances returned and recycled", "{instance}")
	m.manufactured = counter(MetricManufactured, "Instances manufactured from the template", "{instance}")
	m.retired = counter(MetricRetired, "Instances removed from circulation", "{instance}")
	m.exhausted = counter(MetricExhausted, "Acquire calls rejected at capacity", "{call}")
	m.invalidRelease = counter(MetricInvalidRelease, "Rejected double or foreign releases", "{call}")

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("create pool instruments: %w", err)
	}
	return m, nil
}

func (m *PoolMetrics) poolAttrs(name string) metric.MeasurementOption {
	if v, ok := m.attrs.Load(name); ok {
		return v.(metric.MeasurementOption)
	}
	opt := metric.WithAttributeSet(attribute.NewSet(PoolAttributes(m.environment, name)...))
	actual, _ := m.attrs.LoadOrStore(name, opt)
	return actual.(metric.MeasurementOption)
}

func (m *PoolMetrics) Acquired(name string, wait time.Duration) {
	ctx := context.Background()
	attrs := m.poolAttrs(name)
	m.acquireDuration.Record(ctx, float64(wait)/float64(time.Millisecond), attrs)
	m.acquired.Add(ctx, 1, attrs)
}

func (m *PoolMetrics) Released(name string) {
	m.released.Add(context.Background(), 1, m.poolAttrs(name))
}

func (m *PoolMetrics) Manufactured(name string) {
	m.manufactured.Add(context.Background(), 1, m.poolAttrs(name))
}

func (m *PoolMetrics) Retired(name string, reason pool.RetireReason) {
	attrs := append(PoolAttributes(m.environment, name), AttrReason.String(string(reason)))
	m.retired.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (m *PoolMetrics) Exhausted(name string) {
	m.exhausted.Add(context.Background(), 1, m.poolAttrs(name))
}

func (m *PoolMetrics) InvalidRelease(name string) {
	m.invalidRelease.Add(context.Background(), 1, m.poolAttrs(name))
}

// ObserveStats registers observable gauges reporting pool occupancy, capacity
// and waiters from the snapshots returned by source. Unregister the returned
// registration before the pools go away.
func ObserveStats(meter metric.Meter, environment string, source func() []pool.Stats) (metric.Registration, error) {
	instances, err := meter.Int64ObservableGauge(MetricInstances,
		metric.WithDescription("Allocated instances by state"),
		metric.WithUnit("{instance}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricInstances, err)
	}
	capacity, err := meter.Int64ObservableGauge(MetricCapacity,
		metric.WithDescription("Maximum capacity of bounded pools"),
		metric.WithUnit("{instance}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricCapacity, err)
	}
	waiting, err := meter.Int64ObservableGauge(MetricWaiting,
		metric.WithDescription("Callers suspended in Acquire"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricWaiting, err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, st := range source() {
			base := PoolAttributes(environment, st.Name)
			withState := func(state string) metric.ObserveOption {
				return metric.WithAttributes(append(base[:len(base):len(base)], AttrState.String(state))...)
			}
			o.ObserveInt64(instances, int64(st.Free), withState(StateFree))
			o.ObserveInt64(instances, int64(st.InUse), withState(StateInUse))
			o.ObserveInt64(instances, int64(st.Resetting), withState(StateResetting))
			if st.MaxCapacity != pool.Unbounded {
				o.ObserveInt64(capacity, int64(st.MaxCapacity), metric.WithAttributes(base...))
			}
			o.ObserveInt64(waiting, int64(st.Waiting), metric.WithAttributes(base...))
		}
		return nil
	}, instances, capacity, waiting)
}
