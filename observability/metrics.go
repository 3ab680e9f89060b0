// Package observability exports session metrics to Prometheus and serves a
// small HTTP surface for status and reset.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/user/nearby-blue/ranging"
	"github.com/user/nearby-blue/session"
	"github.com/user/nearby-blue/transport"
)

const namespace = "nearby"

// Metrics holds the collectors of one process. Each instance has its own
// registry so several can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	samples         *prometheus.CounterVec
	distance        *prometheus.GaugeVec
	transportEvents *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "Session state transitions.",
			},
			[]string{"role", "state", "reason"},
		),
		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "samples_total",
				Help:      "Measurement samples relayed while ranging.",
			},
			[]string{"role"},
		),
		distance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "distance_meters",
				Help:      "Last measured distance to the peer.",
			},
			[]string{"role"},
		),
		transportEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "events_total",
				Help:      "Events reported by the transport driver.",
			},
			[]string{"role", "kind"},
		),
	}
	m.registry.MustRegister(m.transitions, m.samples, m.distance, m.transportEvents)
	return m
}

// Registry exposes the collectors, for tests and extra exporters
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveState(st session.Status) {
	m.transitions.WithLabelValues(st.Role.String(), st.State.String(), st.Reason.String()).Inc()
}

func (m *Metrics) ObserveSample(role transport.Role, s ranging.Sample) {
	m.samples.WithLabelValues(role.String()).Inc()
	if s.Distance != nil {
		m.distance.WithLabelValues(role.String()).Set(*s.Distance)
	}
}

func (m *Metrics) ObserveEvent(role transport.Role, ev transport.Event) {
	m.transportEvents.WithLabelValues(role.String(), ev.Kind.String()).Inc()
}
