package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// Source is the controller surface telemetry reads. *mesh.Controller
// satisfies it.
type Source interface {
	Nodes() []mesh.NodeView
	Ready() bool
	Liveness(id mesh.NodeID) (mesh.LivenessStatus, bool)
}

var allStages = []mesh.Stage{
	mesh.StageIdentify,
	mesh.StageProtocolInfo,
	mesh.StageNodeInfo,
	mesh.StageManufacturerSpecific,
	mesh.StageVersion,
	mesh.StageSecurity,
	mesh.StageAssociations,
	mesh.StageConfiguration,
	mesh.StageComplete,
	mesh.StageFailed,
}

var allLiveness = []mesh.Liveness{mesh.LivenessUnknown, mesh.LivenessAlive, mesh.LivenessDead}

// nodeCollector reports node gauges from a fresh snapshot on every scrape.
// Every stage and liveness value is emitted, zero included, so series do
// not appear and vanish as nodes move.
type nodeCollector struct {
	src Source

	nodes    *prometheus.Desc
	liveness *prometheus.Desc
	ready    *prometheus.Desc
}

func newNodeCollector(src Source) *nodeCollector {
	return &nodeCollector{
		src: src,
		nodes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "nodes"),
			"Number of nodes per interview stage",
			[]string{"stage"}, nil),
		liveness: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "nodes_liveness"),
			"Number of nodes per liveness state",
			[]string{"liveness"}, nil),
		ready: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "network_ready"),
			"1 when every node has finished its interview",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *nodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodes
	ch <- c.liveness
	ch <- c.ready
}

// Collect implements prometheus.Collector.
func (c *nodeCollector) Collect(ch chan<- prometheus.Metric) {
	stages := make(map[mesh.Stage]int, len(allStages))
	liveness := make(map[mesh.Liveness]int, len(allLiveness))
	for _, n := range c.src.Nodes() {
		stages[n.Stage]++
		liveness[n.Liveness]++
	}

	for _, s := range allStages {
		ch <- prometheus.MustNewConstMetric(c.nodes, prometheus.GaugeValue, float64(stages[s]), s.String())
	}
	for _, l := range allLiveness {
		ch <- prometheus.MustNewConstMetric(c.liveness, prometheus.GaugeValue, float64(liveness[l]), l.String())
	}

	ready := 0.0
	if c.src.Ready() {
		ready = 1
	}
	ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, ready)
}
