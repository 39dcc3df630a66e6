// Package metrics exposes the server's operational counters in Prometheus
// text format on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on one registry so tests can create
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	PollsTotal        prometheus.Counter
	PollFailuresTotal *prometheus.CounterVec
	UPSOnline         prometheus.Gauge
	EventsPublished   *prometheus.CounterVec
	SSESubscribers    prometheus.Gauge
	SSEFramesSent     *prometheus.CounterVec
	SSEFramesDropped  prometheus.Counter
	RelayRequests     *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "volteec_polls_total",
			Help: "Completed poll cycles.",
		}),
		PollFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volteec_poll_failures_total",
			Help: "Failed UPS fetch attempts, per UPS.",
		}, []string{"ups_id"}),
		UPSOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "volteec_ups_reachable",
			Help: "Number of UPS devices reachable in the latest cycle.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volteec_events_published_total",
			Help: "Events published on the internal bus, per type.",
		}, []string{"type"}),
		SSESubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "volteec_sse_subscribers",
			Help: "Active SSE subscriptions.",
		}),
		SSEFramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volteec_sse_frames_sent_total",
			Help: "SSE frames written, per event type.",
		}, []string{"event"}),
		SSEFramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "volteec_sse_frames_dropped_total",
			Help: "Metrics frames suppressed by rate limiting.",
		}),
		RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volteec_relay_requests_total",
			Help: "Outbound relay requests, per path and outcome.",
		}, []string{"path", "outcome"}),
	}
	reg.MustRegister(
		m.PollsTotal,
		m.PollFailuresTotal,
		m.UPSOnline,
		m.EventsPublished,
		m.SSESubscribers,
		m.SSEFramesSent,
		m.SSEFramesDropped,
		m.RelayRequests,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
