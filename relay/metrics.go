package relay

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. Each server carries
// its own registry so tests can run several relays in one process.
type Metrics struct {
	registry *prometheus.Registry

	connectedSessions  prometheus.Gauge
	activeCalls        prometheus.Gauge
	callsStarted       prometheus.Counter
	messagesRouted     prometheus.Counter
	broadcastDrops     prometheus.Counter
	protocolViolations prometheus.Counter
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "visage_relay_connected_sessions",
			Help: "Number of authenticated live sessions.",
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "visage_relay_active_calls",
			Help: "Number of calls currently pending or active.",
		}),
		callsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visage_relay_calls_started_total",
			Help: "Total call requests that created a pending call.",
		}),
		messagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visage_relay_messages_routed_total",
			Help: "Total SDP and ICE messages forwarded between peers.",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visage_relay_broadcast_drops_total",
			Help: "Messages dropped because a session queue was full.",
		}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visage_relay_protocol_violations_total",
			Help: "Sessions terminated for malformed or oversize frames.",
		}),
	}
	m.registry.MustRegister(
		m.connectedSessions,
		m.activeCalls,
		m.callsStarted,
		m.messagesRouted,
		m.broadcastDrops,
		m.protocolViolations,
	)
	return m
}

// ServeMetrics exposes the registry over HTTP on the given port. It
// blocks; run it on its own goroutine.
func (srv *Server) ServeMetrics(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(srv.metrics.registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
