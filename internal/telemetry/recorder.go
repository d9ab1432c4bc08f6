package telemetry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// DefaultQueueSize bounds events waiting to become InfluxDB points.
const DefaultQueueSize = 512

// PointWriter is satisfied by *influxdb.Client.
type PointWriter interface {
	WriteLiveness(s influxdb.LivenessSample, at time.Time)
	WriteInitStage(s influxdb.StageSample, at time.Time)
	WriteNetwork(s influxdb.NetworkSample, at time.Time)
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Metrics *Metrics
	Source  Source

	// Writer receives points. Nil disables InfluxDB output.
	Writer PointWriter

	QueueSize int
	Clock     clockwork.Clock
}

type stamped struct {
	event mesh.Event
	at    time.Time
}

// Recorder feeds bus events into Metrics and, when configured, InfluxDB.
type Recorder struct {
	metrics *Metrics
	src     Source
	writer  PointWriter
	clock   clockwork.Clock
	queue   chan stamped
}

// NewRecorder creates a recorder. Subscribe Handle to the event bus and
// call Run when a Writer is configured.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Recorder{
		metrics: opts.Metrics,
		src:     opts.Source,
		writer:  opts.Writer,
		clock:   opts.Clock,
		queue:   make(chan stamped, opts.QueueSize),
	}
}

// Handle is a mesh.Handler.
func (r *Recorder) Handle(e mesh.Event) {
	if r.metrics != nil {
		r.metrics.observe(e)
	}
	if r.writer == nil || !pointWorthy(e) {
		return
	}
	select {
	case r.queue <- stamped{event: e, at: r.clock.Now()}:
	default:
		if r.metrics != nil {
			r.metrics.pointsDropped.Inc()
		}
	}
}

// Run writes points until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-r.queue:
			r.record(s.event, s.at)
		}
	}
}

func pointWorthy(e mesh.Event) bool {
	switch e.(type) {
	case mesh.NodeLivenessChanged, mesh.NodeInitStageChanged,
		mesh.NodeAdded, mesh.NodeRemoved, mesh.NetworkReadyChanged:
		return true
	default:
		return false
	}
}

func (r *Recorder) record(e mesh.Event, at time.Time) {
	switch ev := e.(type) {
	case mesh.NodeLivenessChanged:
		sample := influxdb.LivenessSample{NodeID: uint16(ev.NodeID), Alive: ev.Liveness == mesh.LivenessAlive}
		if status, ok := r.src.Liveness(ev.NodeID); ok {
			sample.ConsecutiveFailures = status.ConsecutiveFailures
			sample.TotalFailures = status.TotalFailures
		}
		r.writer.WriteLiveness(sample, at)

	case mesh.NodeInitStageChanged:
		r.writer.WriteInitStage(influxdb.StageSample{
			NodeID: uint16(ev.NodeID),
			Stage:  ev.Stage.String(),
			Index:  int(ev.Stage),
			Reason: string(ev.Reason),
		}, at)
		if ev.Stage.Terminal() {
			r.writer.WriteNetwork(r.networkSample(), at)
		}

	case mesh.NodeAdded, mesh.NodeRemoved, mesh.NetworkReadyChanged:
		r.writer.WriteNetwork(r.networkSample(), at)
	}
}

func (r *Recorder) networkSample() influxdb.NetworkSample {
	s := influxdb.NetworkSample{Ready: r.src.Ready()}
	for _, n := range r.src.Nodes() {
		s.Nodes++
		if n.Liveness == mesh.LivenessAlive {
			s.Alive++
		}
		switch n.Stage {
		case mesh.StageComplete:
			s.Completed++
		case mesh.StageFailed:
			s.Failed++
		}
	}
	return s
}
