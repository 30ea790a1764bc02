package persistence

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	flushes       *prometheus.CounterVec
	saveAttempts  *prometheus.CounterVec
	loads         *prometheus.CounterVec
	pending       *prometheus.GaugeVec
	cached        prometheus.Gauge
	flushDuration prometheus.Histogram
}

// NewMetrics registers the engine collectors with reg. A nil reg leaves them
// unregistered, which tests use to read values through testutil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pdfx",
			Subsystem: "annotations",
			Name:      "flushes_total",
			Help:      "Completed save batches by outcome.",
		}, []string{"outcome"}),
		saveAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pdfx",
			Subsystem: "annotations",
			Name:      "save_attempts_total",
			Help:      "Save requests sent to the handler by result.",
		}, []string{"result"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pdfx",
			Subsystem: "annotations",
			Name:      "loads_total",
			Help:      "Load requests by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pdfx",
			Subsystem: "annotations",
			Name:      "pending_operations",
			Help:      "Queued operations awaiting handler confirmation.",
		}, []string{"queue"}),
		cached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pdfx",
			Subsystem: "annotations",
			Name:      "cached_records",
			Help:      "Records held in the annotation cache.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pdfx",
			Subsystem: "annotations",
			Name:      "flush_duration_seconds",
			Help:      "Wall time of a save batch including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.flushes, m.saveAttempts, m.loads, m.pending, m.cached, m.flushDuration)
	}
	return m
}

func (m *Metrics) observeAttempt(err error, auth bool) {
	if m == nil {
		return
	}
	switch {
	case err == nil:
		m.saveAttempts.WithLabelValues("success").Inc()
	case auth:
		m.saveAttempts.WithLabelValues("unauthorized").Inc()
	default:
		m.saveAttempts.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) observeFlush(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(outcome).Inc()
	m.flushDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeLoad(outcome string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setQueues(saves, deletes, cached int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues("save").Set(float64(saves))
	m.pending.WithLabelValues("delete").Set(float64(deletes))
	m.cached.Set(float64(cached))
}
