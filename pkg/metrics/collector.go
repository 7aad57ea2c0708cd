// Package metrics exposes sync engine metrics on a private Prometheus registry.
//
// Every method is safe to call on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle outcomes
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

// Collector manages all metrics for the sync engine
type Collector struct {
	cycles         *prometheus.CounterVec
	projected      *prometheus.CounterVec
	skipped        *prometheus.CounterVec
	cursorFailures *prometheus.CounterVec
	feedback       *prometheus.CounterVec

	watermark *prometheus.GaugeVec

	cycleDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_cycles_total",
			Help: "Sync cycles run, by stream and outcome",
		}, []string{"stream", "outcome"}),

		projected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_records_projected_total",
			Help: "Records committed to the graph store",
		}, []string{"stream"}),

		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_records_skipped_total",
			Help: "Records skipped because they could not be projected",
		}, []string{"stream"}),

		cursorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_cursor_write_failures_total",
			Help: "Cursor writes that failed after a committed batch",
		}, []string{"stream"}),

		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_feedback_total",
			Help: "Feedback loop evaluations, by outcome",
		}, []string{"outcome"}),

		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledgersync_watermark_timestamp_seconds",
			Help: "Current in-memory watermark per stream, as a Unix timestamp",
		}, []string{"stream"}),

		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgersync_cycle_duration_seconds",
			Help:    "Time spent in one sync cycle",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"stream"}),
	}

	registry.MustRegister(
		c.cycles,
		c.projected,
		c.skipped,
		c.cursorFailures,
		c.feedback,
		c.watermark,
		c.cycleDuration,
	)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return c
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordCycle records a finished cycle
func (c *Collector) RecordCycle(stream, outcome string, committed, skipped int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(stream, outcome).Inc()
	c.projected.WithLabelValues(stream).Add(float64(committed))
	c.skipped.WithLabelValues(stream).Add(float64(skipped))
	c.cycleDuration.WithLabelValues(stream).Observe(elapsed.Seconds())
}

// SetWatermark publishes a stream's watermark
func (c *Collector) SetWatermark(stream string, t time.Time) {
	if c == nil {
		return
	}
	c.watermark.WithLabelValues(stream).Set(float64(t.UnixNano()) / 1e9)
}

// RecordCursorFailure counts a failed cursor write
func (c *Collector) RecordCursorFailure(stream string) {
	if c == nil {
		return
	}
	c.cursorFailures.WithLabelValues(stream).Inc()
}

// RecordFeedback counts a feedback evaluation
func (c *Collector) RecordFeedback(outcome string) {
	if c == nil {
		return
	}
	c.feedback.WithLabelValues(outcome).Inc()
}
