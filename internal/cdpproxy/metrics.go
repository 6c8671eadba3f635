package cdpproxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Frame directions and outcomes used as metric labels.
const (
	dirClientToUpstream = "client_to_upstream"
	dirUpstreamToClient = "upstream_to_client"

	outcomeForwarded   = "forwarded"
	outcomeQueued      = "queued"
	outcomeIntercepted = "intercepted"
	outcomeDropped     = "dropped"
	outcomeRewritten   = "rewritten"
)

// Metrics holds the proxy's Prometheus collectors.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	Frames            *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	Registrations     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cdpproxy",
			Name:      "active_connections",
			Help:      "Client WebSocket connections currently bridged.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdpproxy",
			Name:      "frames_total",
			Help:      "CDP frames seen by the bridge.",
		}, []string{"direction", "outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdpproxy",
			Name:      "http_requests_total",
			Help:      "HTTP discovery requests by route and status code.",
		}, []string{"route", "code"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdpproxy",
			Name:      "registrations_total",
			Help:      "View registrations by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveConnections, m.Frames, m.HTTPRequests, m.Registrations)
	}
	return m
}

func (m *Metrics) frame(direction, outcome string) {
	m.Frames.WithLabelValues(direction, outcome).Inc()
}
