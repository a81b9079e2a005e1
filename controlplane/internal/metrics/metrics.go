// Package metrics exports the gateway control plane state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dove-platform/dgw/controlplane/internal/dps"
	"github.com/dove-platform/dgw/controlplane/internal/ha"
)

const namespace = "dgw"

// Metrics holds the collectors of a single gateway instance.
//
// It implements dps.Observer.
type Metrics struct {
	registry *prometheus.Registry

	dpsRequests *prometheus.CounterVec
	dpsReplies  *prometheus.CounterVec
	dpsPending  prometheus.Gauge
	dpsStale    prometheus.Gauge

	haState  prometheus.Gauge
	haEvents *prometheus.CounterVec

	registryBusy prometheus.Counter
	tunnels      prometheus.Gauge
}

// New creates the collectors and registers them in a dedicated registry
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dpsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dps",
			Name:      "requests_total",
			Help:      "The number of messages sent to the DPS by message type",
		}, []string{"type"}),
		dpsReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dps",
			Name:      "replies_total",
			Help:      "The number of DPS replies by message type and handling result",
		}, []string{"type", "result"}),
		dpsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dps",
			Name:      "pending_queries",
			Help:      "The number of DPS queries awaiting a reply",
		}),
		dpsStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dps",
			Name:      "session_stale",
			Help:      "Whether the DPS session needs re-anchoring (1) or not (0)",
		}),
		haState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ha",
			Name:      "peer_state",
			Help:      "The HA peer state: 0 unknown, 1 inactive, 2 active",
		}),
		haEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ha",
			Name:      "peer_events_total",
			Help:      "The number of HA peer transitions by event",
		}, []string{"event"}),
		registryBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "busy_total",
			Help:      "The number of service entry lock attempts that found the entry busy",
		}),
		tunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "registered",
			Help:      "The number of (VNID, role) tunnel registrations held with the DPS",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dpsRequests,
		m.dpsReplies,
		m.dpsPending,
		m.dpsStale,
		m.haState,
		m.haEvents,
		m.registryBusy,
		m.tunnels,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Sent(t dps.MsgType) {
	m.dpsRequests.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) Replied(t dps.MsgType, result string) {
	m.dpsReplies.WithLabelValues(t.String(), result).Inc()
}

func (m *Metrics) Pending(n int) {
	m.dpsPending.Set(float64(n))
}

func (m *Metrics) Stale(stale bool) {
	if stale {
		m.dpsStale.Set(1)
	} else {
		m.dpsStale.Set(0)
	}
}

// PeerState records the current HA peer state.
func (m *Metrics) PeerState(state ha.State) {
	m.haState.Set(float64(state))
}

// PeerEvent counts an HA peer transition.
func (m *Metrics) PeerEvent(ev ha.Event) {
	m.haEvents.WithLabelValues(ev.String()).Inc()
}

// RegistryBusy counts a busy service entry.
func (m *Metrics) RegistryBusy() {
	m.registryBusy.Inc()
}

// Tunnels records the number of registered tunnels.
func (m *Metrics) Tunnels(n int) {
	m.tunnels.Set(float64(n))
}
