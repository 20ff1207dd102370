// Package metrics exposes the gateway's Prometheus collectors.
//
// All methods are safe on a nil *Metrics so packages can be constructed
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway registers.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsOpened   prometheus.Counter
	sessionsReplaced prometheus.Counter
	sessionsExpired  prometheus.Counter
	authFailures     *prometheus.CounterVec
	heartbeats       prometheus.Counter
	framesDropped    *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestSeconds   *prometheus.HistogramVec
}

// New builds and registers all gateway collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatelink",
			Name:      "sessions_active",
			Help:      "Number of databases currently reachable through a tunnel session.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatelink",
			Name:      "sessions_opened_total",
			Help:      "Tunnel sessions installed since start.",
		}),
		sessionsReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatelink",
			Name:      "sessions_replaced_total",
			Help:      "Sessions superseded by a newer connection for the same database.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatelink",
			Name:      "sessions_expired_total",
			Help:      "Sessions expired by the liveness monitor.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatelink",
			Name:      "auth_failures_total",
			Help:      "Tunnel handshakes rejected, by verdict.",
		}, []string{"status"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatelink",
			Name:      "heartbeats_total",
			Help:      "Heartbeat frames received across all sessions.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatelink",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped instead of delivered, by reason.",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatelink",
			Name:      "requests_total",
			Help:      "Requests routed by the gateway, by path, frame type and outcome.",
		}, []string{"path", "type", "status"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatelink",
			Name:      "request_seconds",
			Help:      "Request round-trip latency, by path and frame type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "type"}),
	}
	reg.MustRegister(
		m.sessionsActive, m.sessionsOpened, m.sessionsReplaced, m.sessionsExpired,
		m.authFailures, m.heartbeats, m.framesDropped, m.requests, m.requestSeconds,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

func (m *Metrics) SessionReplaced() {
	if m == nil {
		return
	}
	m.sessionsReplaced.Inc()
}

func (m *Metrics) SessionExpired() {
	if m == nil {
		return
	}
	m.sessionsExpired.Inc()
}

func (m *Metrics) AuthFailure(status string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(status).Inc()
}

func (m *Metrics) HeartbeatReceived() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// ObserveRequest records one routed request outcome and its latency.
func (m *Metrics) ObserveRequest(path, frameType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, frameType, status).Inc()
	m.requestSeconds.WithLabelValues(path, frameType).Observe(d.Seconds())
}
