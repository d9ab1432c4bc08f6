package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the mesh controller.
const (
	MeasurementLiveness  = "mesh_liveness"
	MeasurementInitStage = "mesh_init_stage"
	MeasurementNetwork   = "mesh_network"
)

// LivenessSample is one liveness observation of a node.
type LivenessSample struct {
	NodeID              uint16
	Alive               bool
	ConsecutiveFailures int
	TotalFailures       int64
}

// StageSample is one interview stage transition of a node. Index is the
// stage's position in the interview so dashboards can plot progress.
type StageSample struct {
	NodeID uint16
	Stage  string
	Index  int
	Reason string
}

// NetworkSample is a snapshot of the whole network.
type NetworkSample struct {
	Ready     bool
	Nodes     int
	Alive     int
	Completed int
	Failed    int
}

// WriteLiveness records a node's liveness. The write is non-blocking.
//
// Example:
//
//	client.WriteLiveness(influxdb.LivenessSample{NodeID: 12, Alive: false, ConsecutiveFailures: 3})
func (c *Client) WriteLiveness(s LivenessSample, at time.Time) {
	c.writePoint(livenessPoint(s, at))
}

// WriteInitStage records a node's interview stage transition.
func (c *Client) WriteInitStage(s StageSample, at time.Time) {
	c.writePoint(stagePoint(s, at))
}

// WriteNetwork records the network snapshot.
func (c *Client) WriteNetwork(s NetworkSample, at time.Time) {
	c.writePoint(networkPoint(s, at))
}

func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(p)
}

func nodeTag(id uint16) string {
	return strconv.FormatUint(uint64(id), 10)
}

func livenessPoint(s LivenessSample, at time.Time) *write.Point {
	state := "dead"
	if s.Alive {
		state = "alive"
	}
	return write.NewPoint(
		MeasurementLiveness,
		map[string]string{
			"node_id":  nodeTag(s.NodeID),
			"liveness": state,
		},
		map[string]interface{}{
			"alive":                s.Alive,
			"consecutive_failures": int64(s.ConsecutiveFailures),
			"total_failures":       s.TotalFailures,
		},
		at,
	)
}

func stagePoint(s StageSample, at time.Time) *write.Point {
	tags := map[string]string{
		"node_id": nodeTag(s.NodeID),
		"stage":   s.Stage,
	}
	if s.Reason != "" {
		tags["reason"] = s.Reason
	}
	return write.NewPoint(
		MeasurementInitStage,
		tags,
		map[string]interface{}{
			"stage_index": int64(s.Index),
		},
		at,
	)
}

func networkPoint(s NetworkSample, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementNetwork,
		nil,
		map[string]interface{}{
			"ready":     s.Ready,
			"nodes":     int64(s.Nodes),
			"alive":     int64(s.Alive),
			"completed": int64(s.Completed),
			"failed":    int64(s.Failed),
		},
		at,
	)
}
