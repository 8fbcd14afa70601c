package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/gochat/internal/gateway"
)

const metricsNamespace = "gochat"

// Metrics implements gateway.Metrics on a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	admissions  *prometheus.CounterVec
	events      *prometheus.CounterVec
	recipients  *prometheus.CounterVec
	fanout      prometheus.Histogram
	dropped     *prometheus.CounterVec
	rateLimited prometheus.Counter
}

// NewMetrics registers the gateway collectors, including gauges that read
// the connection registry on every scrape.
func NewMetrics(registry *gateway.Registry) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admissions_total",
			Help:      "Connection attempts by admission result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Events broadcast by kind.",
		}, []string{"event"}),
		recipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "event_recipients_total",
			Help:      "Deliveries attempted by event kind.",
		}, []string{"event"}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Time spent fanning one event out to all recipients.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_dropped_total",
			Help:      "Events a recipient missed, by reason.",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_rate_limited_total",
			Help:      "Inbound messages discarded by the per-connection rate limit.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admissions, m.events, m.recipients, m.fanout, m.dropped, m.rateLimited,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Connections holding a slot, pending or admitted.",
		}, func() float64 { return float64(registry.Count()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "members",
			Help:      "Admitted connections.",
		}, func() float64 { return float64(len(registry.Members())) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "capacity",
			Help:      "Configured maximum number of connections.",
		}, func() float64 { return float64(registry.Capacity()) }),
	)
	return m
}

// AdmissionResult counts one admission outcome ("admitted" or a rejection reason).
func (m *Metrics) AdmissionResult(result string) {
	m.admissions.WithLabelValues(result).Inc()
}

// EventBroadcast records one fan-out.
func (m *Metrics) EventBroadcast(kind string, recipients int, elapsed time.Duration) {
	m.events.WithLabelValues(kind).Inc()
	m.recipients.WithLabelValues(kind).Add(float64(recipients))
	m.fanout.Observe(elapsed.Seconds())
}

// DeliveryDropped counts one missed delivery.
func (m *Metrics) DeliveryDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

// RateLimited counts one discarded inbound message.
func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

// Gatherer exposes the registry for tests and custom exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var _ gateway.Metrics = (*Metrics)(nil)
