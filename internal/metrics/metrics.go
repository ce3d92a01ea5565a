// Package metrics exposes dispatch counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smtp_outbox"

// Metrics holds the dispatcher collectors. A nil *Metrics records nothing.
type Metrics struct {
	jobsTotal      *prometheus.CounterVec
	sendDuration   *prometheus.HistogramVec
	cyclesTotal    prometheus.Counter
	cycleDuration  prometheus.Histogram
	jobsInFlight   prometheus.Gauge
	messageBytes   prometheus.Histogram
	duplicateRisks prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Jobs processed, by final status and failure reason",
			},
			[]string{"provider", "status", "reason"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Time spent handing one message to the provider",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "status"},
		),
		cyclesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Dispatch cycles run",
			},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of a full dispatch cycle",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		jobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_flight",
				Help:      "Jobs currently being composed or sent",
			},
		),
		messageBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_size_bytes",
				Help:      "Size of composed messages",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),
		duplicateRisks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_write_failures_total",
				Help:      "Jobs sent whose status could not be recorded and may be sent again",
			},
		),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.sendDuration,
		m.cyclesTotal,
		m.cycleDuration,
		m.jobsInFlight,
		m.messageBytes,
		m.duplicateRisks,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// JobFinished records a job outcome. reason is empty for sent jobs.
func (m *Metrics) JobFinished(provider, status, reason string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(provider, status, reason).Inc()
}

// ObserveSend records how long a provider call took.
func (m *Metrics) ObserveSend(provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.sendDuration.WithLabelValues(provider, status).Observe(d.Seconds())
}

// ObserveCycle records a finished dispatch cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// JobStarted marks a job in flight. The returned func marks it done.
func (m *Metrics) JobStarted() func() {
	if m == nil {
		return func() {}
	}
	m.jobsInFlight.Inc()
	return m.jobsInFlight.Dec
}

// ObserveMessageSize records the size of a composed message.
func (m *Metrics) ObserveMessageSize(n int) {
	if m == nil {
		return
	}
	m.messageBytes.Observe(float64(n))
}

// StatusWriteFailed counts a sent job left pending.
func (m *Metrics) StatusWriteFailed() {
	if m == nil {
		return
	}
	m.duplicateRisks.Inc()
}
