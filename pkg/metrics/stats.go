package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/selivandex/telemetry-buffer/pkg/buffer"
)

// Stats holds the Prometheus collectors for buffering and delivery. It is a
// Reporter, so it can be combined with LogReporter in a MultiReporter.
type Stats struct {
	// Delivery metrics
	flushAttempts *prometheus.CounterVec
	flushRecords  *prometheus.CounterVec
	flushDuration *prometheus.HistogramVec

	// Dispatcher metrics
	workersActive prometheus.Gauge
	queueDepth    prometheus.Gauge

	registry *prometheus.Registry
}

// NewStats creates collectors on a private registry. Buffer occupancy and
// evictions are read from buf at scrape time.
func NewStats(buf *buffer.Ring) *Stats {
	registry := prometheus.NewRegistry()

	s := &Stats{
		flushAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flush_attempts_total",
				Help: "Total number of batch delivery attempts by sink and outcome",
			},
			[]string{"sink", "outcome"},
		),

		flushRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flush_records_total",
				Help: "Total number of records handed to sinks by outcome (delivered or discarded)",
			},
			[]string{"sink", "outcome"},
		),

		flushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flush_duration_seconds",
				Help:    "Batch write latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		),

		workersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_workers_active",
				Help: "Number of dispatcher workers with an open sink",
			},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_depth",
				Help: "Chunks waiting in the dispatcher work queue",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		s.flushAttempts,
		s.flushRecords,
		s.flushDuration,
		s.workersActive,
		s.queueDepth,
	)

	if buf != nil {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "buffer_records",
					Help: "Records currently held in the ring buffer",
				},
				func() float64 { return float64(buf.Len()) },
			),
			prometheus.NewCounterFunc(
				prometheus.CounterOpts{
					Name: "buffer_evictions_total",
					Help: "Records evicted from the ring buffer because it was full",
				},
				func() float64 { return float64(buf.Evicted()) },
			),
		)
	}

	return s
}

// Report implements Reporter.
func (s *Stats) Report(o Outcome) {
	if o.BatchSize == 0 {
		return
	}

	outcome := "success"
	if !o.Succeeded() {
		outcome = "failed"
	}
	s.flushAttempts.WithLabelValues(o.Sink, outcome).Inc()
	s.flushDuration.WithLabelValues(o.Sink).Observe(o.Duration.Seconds())

	delivered := o.BatchSize - o.Discarded
	if delivered > 0 {
		s.flushRecords.WithLabelValues(o.Sink, "delivered").Add(float64(delivered))
	}
	if o.Discarded > 0 {
		s.flushRecords.WithLabelValues(o.Sink, "discarded").Add(float64(o.Discarded))
	}
}

// WorkerStarted records a dispatcher worker that opened its sink.
func (s *Stats) WorkerStarted() { s.workersActive.Inc() }

// WorkerStopped records a dispatcher worker exit.
func (s *Stats) WorkerStopped() { s.workersActive.Dec() }

// SetQueueDepth updates the dispatcher queue gauge.
func (s *Stats) SetQueueDepth(n int) { s.queueDepth.Set(float64(n)) }

// Registry exposes the underlying registry, mainly for tests.
func (s *Stats) Registry() *prometheus.Registry { return s.registry }

// Handler serves the registry in the Prometheus exposition format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
