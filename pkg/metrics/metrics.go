// Package metrics provides Prometheus-backed operational metrics for a
// measurement engine: circuit build outcomes, sample RTTs, cache
// effectiveness, and worker occupancy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector one engine process registers. All fields
// are safe for concurrent use, per prometheus.Collector's contract.
type Metrics struct {
	Registry *prometheus.Registry

	CircuitBuildsTotal   *prometheus.CounterVec
	CircuitBuildDuration prometheus.Histogram
	ActiveCircuits       prometheus.Gauge

	SamplesTotal  *prometheus.CounterVec
	SampleRTT     prometheus.Histogram
	PairRTT       prometheus.Histogram
	PairsFailed   prometheus.Counter
	PairsMeasured prometheus.Counter

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheSize   prometheus.Gauge

	WorkersBusy prometheus.Gauge
	WorkersIdle prometheus.Gauge

	ResultsFlushed  prometheus.Counter
	ResultsBuffered prometheus.Gauge

	startTime time.Time
}

// New registers and returns the full metric set against a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		CircuitBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ting",
			Subsystem: "circuit",
			Name:      "builds_total",
			Help:      "Circuit builds by outcome, one per path after any retries.",
		}, []string{"outcome"}),

		CircuitBuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ting",
			Subsystem: "circuit",
			Name:      "build_duration_seconds",
			Help:      "Time to build a circuit including any retries, successful builds only.",
			Buckets:   prometheus.DefBuckets,
		}),

		ActiveCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ting",
			Subsystem: "circuit",
			Name:      "active",
			Help:      "Circuits currently open across all workers.",
		}),

		SamplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ting",
			Subsystem: "sample",
			Name:      "total",
			Help:      "Per-circuit ting measurements (min of the echo samples), by outcome.",
		}, []string{"outcome"}),

		SampleRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ting",
			Subsystem: "sample",
			Name:      "rtt_seconds",
			Help:      "Minimum echo round-trip time per measured circuit.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),

		PairRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ting",
			Subsystem: "pair",
			Name:      "xy_rtt_seconds",
			Help:      "Algebraically-cancelled X-Y RTT per measured pair.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),

		PairsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ting",
			Subsystem: "pair",
			Name:      "failed_total",
			Help:      "Pairs abandoned with a null RTT.",
		}),

		PairsMeasured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ting",
			Subsystem: "pair",
			Name:      "measured_total",
			Help:      "Pairs that produced a usable RTT.",
		}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ting",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache lookups satisfied without a circuit build, by path arity.",
		}, []string{"arity"}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ting",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache lookups requiring a fresh measurement, by path arity.",
		}, []string{"arity"}),

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ting",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held in the RTT cache.",
		}),

		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ting",
			Subsystem: "workerpool",
			Name:      "busy",
			Help:      "Workers currently measuring a pair.",
		}),

		WorkersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ting",
			Subsystem: "workerpool",
			Name:      "idle",
			Help:      "Workers currently waiting for a pair.",
		}),

		ResultsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ting",
			Subsystem: "results",
			Name:      "flushed_total",
			Help:      "Result records appended to the journal.",
		}),

		ResultsBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ting",
			Subsystem: "results",
			Name:      "buffered",
			Help:      "Result records held in memory awaiting the next flush.",
		}),
	}

	m.Registry.MustRegister(
		m.CircuitBuildsTotal,
		m.CircuitBuildDuration,
		m.ActiveCircuits,
		m.SamplesTotal,
		m.SampleRTT,
		m.PairRTT,
		m.PairsFailed,
		m.PairsMeasured,
		m.CacheHits,
		m.CacheMisses,
		m.CacheSize,
		m.WorkersBusy,
		m.WorkersIdle,
		m.ResultsFlushed,
		m.ResultsBuffered,
	)

	return m
}

// RecordCircuitBuild records the outcome of one path's circuit build, after
// any retries, and on success its duration.
func (m *Metrics) RecordCircuitBuild(success bool, d time.Duration) {
	if success {
		m.CircuitBuildsTotal.WithLabelValues("success").Inc()
		m.CircuitBuildDuration.Observe(d.Seconds())
	} else {
		m.CircuitBuildsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordSample records the outcome of one circuit's ting measurement and, on
// success, its minimum sample RTT.
func (m *Metrics) RecordSample(success bool, rtt time.Duration) {
	if success {
		m.SamplesTotal.WithLabelValues("success").Inc()
		m.SampleRTT.Observe(rtt.Seconds())
	} else {
		m.SamplesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordPair records the final outcome of one pair's measurement.
func (m *Metrics) RecordPair(xyRTT *float64) {
	if xyRTT == nil {
		m.PairsFailed.Inc()
		return
	}
	m.PairsMeasured.Inc()
	m.PairRTT.Observe(*xyRTT)
}

// RecordCacheLookup records a cache Get outcome for a path of the given
// hop count.
func (m *Metrics) RecordCacheLookup(hops int, hit bool) {
	arity := arityLabel(hops)
	if hit {
		m.CacheHits.WithLabelValues(arity).Inc()
	} else {
		m.CacheMisses.WithLabelValues(arity).Inc()
	}
}

func arityLabel(hops int) string {
	if hops == 4 {
		return "4hop"
	}
	return "3hop"
}

// Uptime returns how long this Metrics instance has existed.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
