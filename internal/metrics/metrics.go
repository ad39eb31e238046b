// Package metrics exposes pool instrumentation as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachpo/pooler/lib/pool"
)

const (
	namespace = "pooler"
	subsystem = "pool"
)

// PoolMetrics captures pool events as Prometheus counters. It satisfies pool.Observer.
type PoolMetrics struct {
	acquireTotal    *prometheus.CounterVec
	acquireDuration *prometheus.HistogramVec
	releaseTotal    *prometheus.CounterVec
	manufactured    *prometheus.CounterVec
	retired         *prometheus.CounterVec
	exhausted       *prometheus.CounterVec
	invalidRelease  *prometheus.CounterVec
}

var _ pool.Observer = (*PoolMetrics)(nil)

// NewPoolMetrics constructs the instruments and registers them with reg.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
			},
			append([]string{"pool"}, labels...),
		)
	}
	m := &PoolMetrics{
		acquireTotal: counter("acquired_total", "Total number of instances handed to callers."),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{ //nolint:exhaustruct
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "acquire_duration_seconds",
				Help:      "Time from Acquire call to instance hand-over.",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"pool"},
		),
		releaseTotal:   counter("released_total", "Total number of instances returned and recycled."),
		manufactured:   counter("manufactured_total", "Total number of instances manufactured from the template."),
		retired:        counter("retired_total", "Total number of instances removed from circulation, labeled by reason.", "reason"),
		exhausted:      counter("exhausted_total", "Total number of Acquire calls rejected at capacity."),
		invalidRelease: counter("invalid_release_total", "Total number of double or foreign releases rejected."),
	}
	reg.MustRegister(
		m.acquireTotal,
		m.acquireDuration,
		m.releaseTotal,
		m.manufactured,
		m.retired,
		m.exhausted,
		m.invalidRelease,
	)
	return m
}

func (m *PoolMetrics) Acquired(name string, wait time.Duration) {
	m.acquireTotal.WithLabelValues(name).Inc()
	m.acquireDuration.WithLabelValues(name).Observe(wait.Seconds())
}

func (m *PoolMetrics) Released(name string) {
	m.releaseTotal.WithLabelValues(name).Inc()
}

func (m *PoolMetrics) Manufactured(name string) {
	m.manufactured.WithLabelValues(name).Inc()
}

func (m *PoolMetrics) Retired(name string, reason pool.RetireReason) {
	m.retired.WithLabelValues(name, string(reason)).Inc()
}

func (m *PoolMetrics) Exhausted(name string) {
	m.exhausted.WithLabelValues(name).Inc()
}

func (m *PoolMetrics) InvalidRelease(name string) {
	m.invalidRelease.WithLabelValues(name).Inc()
}

// AcquiredCounter exposes the acquire counter for a pool, mainly for tests.
func (m *PoolMetrics) AcquiredCounter(name string) prometheus.Counter {
	return m.acquireTotal.WithLabelValues(name)
}

// RetiredCounter exposes the retire counter for a pool and reason.
func (m *PoolMetrics) RetiredCounter(name string, reason pool.RetireReason) prometheus.Counter {
	return m.retired.WithLabelValues(name, string(reason))
}

// StatsCollector reports pool snapshots as gauges at scrape time.
type StatsCollector struct {
	source    func() []pool.Stats
	instances *prometheus.Desc
	capacity  *prometheus.Desc
	waiting   *prometheus.Desc
}

// NewStatsCollector builds a collector over source, typically Manager.Stats.
func NewStatsCollector(source func() []pool.Stats) *StatsCollector {
	return &StatsCollector{
		source: source,
		instances: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "instances"),
			"Allocated instances by state.",
			[]string{"pool", "state"}, nil,
		),
		capacity: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "max_capacity"),
			"Maximum capacity of bounded pools.",
			[]string{"pool"}, nil,
		),
		waiting: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "waiting"),
			"Callers suspended in Acquire.",
			[]string{"pool"}, nil,
		),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.instances
	ch <- c.capacity
	ch <- c.waiting
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.source() {
		ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(st.Free), st.Name, "free")
		ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(st.InUse), st.Name, "in_use")
		ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(st.Resetting), st.Name, "resetting")
		if st.MaxCapacity != pool.Unbounded {
			ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(st.MaxCapacity), st.Name)
		}
		ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(st.Waiting), st.Name)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}) //nolint:exhaustruct
}
