package host

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/caffeineduck/handoff/abi"
)

// Metrics counts calls across the boundary. A nil *Metrics records nothing.
type Metrics struct {
	calls    *prometheus.CounterVec
	traps    *prometheus.CounterVec
	statuses *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the call metrics with r.
func NewMetrics(r prometheus.Registerer) *Metrics {
	return &Metrics{
		calls: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_calls_total",
			Help: "Total number of calls into the callee.",
		}, []string{"export"}),
		traps: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_call_traps_total",
			Help: "Total number of calls that trapped or could not be made.",
		}, []string{"export"}),
		statuses: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_call_status_total",
			Help: "Total number of statuses returned by the callee.",
		}, []string{"export", "status"}),
		duration: promauto.With(r).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handoff_call_duration_seconds",
			Help:    "Time spent in calls into the callee.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"export"}),
	}
}

func (m *Metrics) observeCall(export string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(export).Inc()
	m.duration.WithLabelValues(export).Observe(d.Seconds())
	if err != nil {
		m.traps.WithLabelValues(export).Inc()
	}
}

func (m *Metrics) observeStatus(export string, s abi.Status) {
	if m == nil {
		return
	}
	m.statuses.WithLabelValues(export, s.String()).Inc()
}

// StatsCollector exposes a library's allocator counters as gauges, read
// from the callee on every scrape.
type StatsCollector struct {
	lib     *Library
	timeout time.Duration

	liveAllocations *prometheus.Desc
	liveBytes       *prometheus.Desc
	patterns        *prometheus.Desc
	targets         *prometheus.Desc
}

// NewStatsCollector reads lib's stats with at most timeout per scrape.
func NewStatsCollector(lib *Library, timeout time.Duration) *StatsCollector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StatsCollector{
		lib:     lib,
		timeout: timeout,
		liveAllocations: prometheus.NewDesc("handoff_live_allocations",
			"Allocations handed out by the callee and not yet freed.", nil, nil),
		liveBytes: prometheus.NewDesc("handoff_live_bytes",
			"Bytes handed out by the callee and not yet freed.", nil, nil),
		patterns: prometheus.NewDesc("handoff_open_patterns",
			"Compiled patterns not yet disposed.", nil, nil),
		targets: prometheus.NewDesc("handoff_open_targets",
			"Prepared targets not yet freed.", nil, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.liveAllocations
	ch <- c.liveBytes
	ch <- c.patterns
	ch <- c.targets
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	s, err := c.lib.Stats(ctx)
	ch <- prometheus.MustNewConstMetric(c.patterns, prometheus.GaugeValue, float64(s.Patterns))
	ch <- prometheus.MustNewConstMetric(c.targets, prometheus.GaugeValue, float64(s.Targets))
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.liveAllocations, prometheus.GaugeValue, float64(s.LiveAllocations))
	ch <- prometheus.MustNewConstMetric(c.liveBytes, prometheus.GaugeValue, float64(s.LiveBytes))
}
