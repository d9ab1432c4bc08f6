package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/meshgw"
)

const (
	namespace = "graylogic"
	subsystem = "mesh"
)

// GatewayStats is satisfied by *meshgw.Client.
type GatewayStats interface {
	Stats() meshgw.Stats
}

// Metrics holds the mesh Prometheus metrics.
type Metrics struct {
	eventsTotal       *prometheus.CounterVec
	inclusionSessions *prometheus.CounterVec
	pointsDropped     prometheus.Counter
}

// NewMetrics creates the mesh metrics and registers them, the scrape-time
// node collector, and (when gw is non-nil) the gateway link metrics.
func NewMetrics(reg prometheus.Registerer, src Source, gw GatewayStats) *Metrics {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Lifecycle events published on the controller bus",
		}, []string{"kind"}),

		inclusionSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "inclusion_sessions_total",
			Help:      "Finished inclusion and exclusion sessions by outcome",
		}, []string{"kind", "result"}),

		pointsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "telemetry_points_dropped_total",
			Help:      "Events not written to InfluxDB because the recorder queue was full",
		}),
	}

	reg.MustRegister(m.eventsTotal, m.inclusionSessions, m.pointsDropped, newNodeCollector(src))
	if gw != nil {
		reg.MustRegister(gatewayCollectors(gw)...)
	}
	return m
}

// observe counts e. It is cheap and safe on the bus goroutine.
func (m *Metrics) observe(e mesh.Event) {
	m.eventsTotal.WithLabelValues(string(e.Kind())).Inc()

	if ev, ok := e.(mesh.InclusionPhaseChanged); ok {
		if ev.Phase == mesh.PhaseDone || ev.Phase == mesh.PhaseFailed {
			m.inclusionSessions.WithLabelValues(ev.SessionKind.String(), ev.Phase.String()).Inc()
		}
	}
}

func gatewayCollectors(gw GatewayStats) []prometheus.Collector {
	counter := func(name, help string, value func(meshgw.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(gw.Stats())) })
	}

	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gateway_connected",
			Help:      "1 when the radio gateway link is up",
		}, func() float64 {
			if gw.Stats().Connected {
				return 1
			}
			return 0
		}),
		counter("gateway_frames_sent_total", "Frames sent to the gateway",
			func(s meshgw.Stats) uint64 { return s.FramesTx }),
		counter("gateway_frames_received_total", "Frames received from the gateway",
			func(s meshgw.Stats) uint64 { return s.FramesRx }),
		counter("gateway_frames_dropped_total", "Inbound frames dropped on queue overflow",
			func(s meshgw.Stats) uint64 { return s.FramesDropped }),
		counter("gateway_ack_timeouts_total", "Frames the gateway did not acknowledge in time",
			func(s meshgw.Stats) uint64 { return s.AckTimeouts }),
		counter("gateway_reconnects_total", "Gateway reconnections",
			func(s meshgw.Stats) uint64 { return s.ReconnectsTotal }),
	}
}
