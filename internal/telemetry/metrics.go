// Package telemetry holds cronkeep's Prometheus metrics and OpenTelemetry
// tracing setup.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cronkeep"

// Tick results reported by RecordTick.
const (
	TickOK      = "ok"
	TickAborted = "aborted"
)

// Metrics groups the scheduler's Prometheus collectors. All methods are safe
// to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	ticks            *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	inflight         prometheus.Gauge
	queued           prometheus.Gauge
	scheduleParseErr prometheus.Counter
}

// NewMetrics creates the collectors on a private registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Run records written, by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of executed runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 10),
		}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks, by result.",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent evaluating and dispatching one tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_inflight",
			Help:      "Runs currently executing.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_queued",
			Help:      "Runs begun but waiting for a worker slot.",
		}),
		scheduleParseErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_parse_errors_total",
			Help:      "Active jobs skipped during evaluation because their schedule does not parse.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.runDuration, m.ticks, m.tickDuration,
		m.inflight, m.queued, m.scheduleParseErr,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRun counts a terminal run record. A positive elapsed is also
// observed in the duration histogram.
func (m *Metrics) RecordRun(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.runDuration.Observe(elapsed.Seconds())
	}
}

// RecordTick counts a tick and its duration.
func (m *Metrics) RecordTick(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(elapsed.Seconds())
}

// RecordParseErrors counts jobs skipped for an invalid schedule.
func (m *Metrics) RecordParseErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.scheduleParseErr.Add(float64(n))
}

// RunQueued is called when a run waits for a worker slot.
func (m *Metrics) RunQueued() {
	if m == nil {
		return
	}
	m.queued.Inc()
}

// RunStarted moves a run from queued to in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.queued.Dec()
	m.inflight.Inc()
}

// RunDequeued is called when a queued run is abandoned before it starts.
func (m *Metrics) RunDequeued() {
	if m == nil {
		return
	}
	m.queued.Dec()
}

// RunFinished is called when an in-flight run ends.
func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}
