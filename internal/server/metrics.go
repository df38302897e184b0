package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the server's Prometheus collectors on a private registry
// so multiple servers (tests) never collide on registration.
type metrics struct {
	registry      *prometheus.Registry
	requestsTotal *prometheus.CounterVec
	activeSession prometheus.Gauge
	sessionsTotal *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_http_requests_total",
			Help: "HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "code"}),
		activeSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgate_active_session",
			Help: "1 while a session holds the gate, else 0.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_sessions_total",
			Help: "Finished sessions by terminal status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(m.requestsTotal, m.activeSession, m.sessionsTotal)
	return m
}

func (m *metrics) observeRequest(method, path string, code int) {
	m.requestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
}

func (m *metrics) sessionStarted() {
	m.activeSession.Set(1)
}

func (m *metrics) sessionFinished(status string) {
	m.activeSession.Set(0)
	m.sessionsTotal.WithLabelValues(status).Inc()
}
