package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Config is the controller policy.
type Config struct {
	Pipeline         PipelineConfig
	SessionTimeout   time.Duration
	FailureThreshold int

	// DefaultPollInterval polls every interviewed node periodically; zero
	// disables it. PollIntervals overrides it per node.
	DefaultPollInterval time.Duration
	PollIntervals       map[NodeID]time.Duration
}

// DefaultConfig returns the stock controller policy.
func DefaultConfig() Config {
	return Config{
		Pipeline:         DefaultPipelineConfig(),
		SessionTimeout:   DefaultSessionTimeout,
		FailureThreshold: DefaultFailureThreshold,
	}
}

// Options configures a Controller.
type Options struct {
	// Channel is the transport to the radio gateway. Required.
	Channel FrameChannel

	Config Config

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Bus defaults to a new bus.
	Bus *Bus

	Logger Logger
}

// discoveryTimeout is how long Run waits for the node list before asking
// again.
const discoveryTimeout = 5 * time.Second

// Stats counts controller traffic.
type Stats struct {
	FramesReceived int64 `json:"frames_received"`
	FramesSent     int64 `json:"frames_sent"`
	SendFailures   int64 `json:"send_failures"`
	Reports        int64 `json:"reports"`
	Dropped        int64 `json:"dropped"`
}

// Controller is the single entry point for inbound frames and lifecycle
// requests. It owns network readiness and is the only writer to the
// FrameChannel.
type Controller struct {
	cfg     Config
	channel FrameChannel
	writeMu sync.Mutex

	bus         *Bus
	registry    *Registry
	groups      *AssociationManager
	liveness    *LivenessMonitor
	poller      *Poller
	pipeline    *Pipeline
	coordinator *Coordinator
	clock       clockwork.Clock
	logger      Logger

	readyMu sync.Mutex
	ready   atomic.Bool

	discovered     atomic.Bool
	discoveredOnce sync.Once
	discoveredCh   chan struct{}
	controllerID   atomic.Uint32
	running        atomic.Bool

	framesIn     atomic.Int64
	framesOut    atomic.Int64
	sendFailures atomic.Int64
	reports      atomic.Int64
	dropped      atomic.Int64
}

// New wires the controller components together.
func New(opts Options) (*Controller, error) {
	if opts.Channel == nil {
		return nil, errors.New("mesh: frame channel is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewBus(opts.Logger)
	}
	logger := orNoop(opts.Logger)

	c := &Controller{
		cfg:          opts.Config,
		channel:      opts.Channel,
		bus:          bus,
		clock:        clk,
		logger:       logger,
		discoveredCh: make(chan struct{}),
	}
	c.groups = NewAssociationManager(bus)
	c.registry = NewRegistry(bus, c.groups, clk)
	c.liveness = NewLivenessMonitor(c.registry, opts.Config.FailureThreshold, clk, logger)
	c.pipeline = NewPipeline(opts.Config.Pipeline, c.registry, c.groups, c.transmit, clk, logger)
	c.poller = NewPoller(c.registry, c.pollNode, clk, logger)
	c.coordinator = NewCoordinator(opts.Config.SessionTimeout, c.transmit, c, bus, clk, logger)

	bus.Subscribe(c.poller.HandleEvent)
	bus.Subscribe(c.handleEvent)
	return c, nil
}

// Bus returns the event bus for subscribers.
func (c *Controller) Bus() *Bus { return c.bus }

// Registry returns the node registry for read access.
func (c *Controller) Registry() *Registry { return c.registry }

// Associations returns the association group manager.
func (c *Controller) Associations() *AssociationManager { return c.groups }

// Run starts the dispatch loop, the pipeline, poller and session timers,
// and network discovery. It blocks until ctx is cancelled or the frame
// channel closes.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("mesh: controller already running")
	}
	defer c.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.dispatchLoop(gctx) })
	g.Go(func() error { return c.pipeline.Run(gctx) })
	g.Go(func() error { return c.poller.Run(gctx) })
	g.Go(func() error { return c.coordinator.Run(gctx) })
	g.Go(func() error { return c.discover(gctx) })
	return g.Wait()
}

// HandleFrame is the single ingress point for inbound frames. Panics while
// handling one frame are contained to that frame.
func (c *Controller) HandleFrame(ctx context.Context, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("frame handling panic", "frame", f, "error", fmt.Errorf("%v", r))
		}
	}()
	c.framesIn.Add(1)

	if f.NodeID == BroadcastNodeID || f.CommandClass.ControllerScoped() {
		c.handleControllerFrame(ctx, f)
		return
	}

	if _, ok := c.registry.Get(f.NodeID); !ok {
		c.dropped.Add(1)
		c.logger.Debug("frame from unknown node dropped", "frame", f)
		return
	}
	c.liveness.NoteSuccess(f.NodeID)

	if nodeCommand(f, ClassWakeUp, cmdWakeUpNotification, 1) {
		c.logger.Debug("wake-up notification", "node_id", f.NodeID)
		if !c.pipeline.WakeUp(ctx, f.NodeID) {
			c.poller.Expedite(f.NodeID)
		}
		return
	}
	if c.pipeline.HandleFrame(ctx, f) {
		return
	}
	if nodeCommand(f, ClassAssociation, cmdAssociationReport, 4) {
		c.handleAssociationReport(f)
		return
	}

	c.reports.Add(1)
	c.bus.Publish(NodeReport{NodeID: f.NodeID, CommandClass: f.CommandClass, Payload: append([]byte(nil), f.Payload...)})
}

// Send transmits an application frame to a known node on behalf of the
// device layer.
func (c *Controller) Send(ctx context.Context, id NodeID, class CommandClass, payload []byte) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidNodeID, id)
	}
	if class.ControllerScoped() {
		return fmt.Errorf("mesh: %s is reserved for the controller", class)
	}
	if _, ok := c.registry.Get(id); !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return c.transmit(ctx, Frame{NodeID: id, CommandClass: class, Payload: payload})
}

// RequestInclude opens an inclusion session.
func (c *Controller) RequestInclude(ctx context.Context) (Session, error) {
	return c.coordinator.Start(ctx, KindInclude)
}

// RequestExclude opens an exclusion session.
func (c *Controller) RequestExclude(ctx context.Context) (Session, error) {
	return c.coordinator.Start(ctx, KindExclude)
}

// CancelInclude fails the active inclusion session.
func (c *Controller) CancelInclude(ctx context.Context) error {
	return c.coordinator.Cancel(ctx, KindInclude)
}

// CancelExclude fails the active exclusion session.
func (c *Controller) CancelExclude(ctx context.Context) error {
	return c.coordinator.Cancel(ctx, KindExclude)
}

// InclusionSession returns the active session, if any.
func (c *Controller) InclusionSession() (Session, bool) {
	return c.coordinator.Session()
}

// RequestPoll polls a node as soon as possible, in addition to any
// scheduled polling.
func (c *Controller) RequestPoll(id NodeID) error {
	if _, ok := c.registry.Get(id); !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	c.poller.PollNow(id)
	return nil
}

// RequestInterview restarts a node's interview from StageIdentify.
func (c *Controller) RequestInterview(ctx context.Context, id NodeID) error {
	c.pipeline.Forget(id)
	if err := c.registry.ResetStage(id); err != nil {
		return err
	}
	c.pipeline.Enqueue(ctx, id)
	return nil
}

// RequestNodeSnapshot returns a node's current view including its pending
// poll.
func (c *Controller) RequestNodeSnapshot(id NodeID) (NodeView, bool) {
	v, ok := c.registry.Get(id)
	if !ok {
		return NodeView{}, false
	}
	if due, ok := c.poller.Pending(id); ok {
		v.PendingPoll = &due
	}
	return v, true
}

// Nodes returns snapshots of every node.
func (c *Controller) Nodes() []NodeView {
	views := c.registry.List()
	for i := range views {
		if due, ok := c.poller.Pending(views[i].ID); ok {
			views[i].PendingPoll = &due
		}
	}
	return views
}

// Groups returns a node's association groups.
func (c *Controller) Groups(id NodeID) []Group {
	return c.groups.Groups(id)
}

// Liveness returns the liveness bookkeeping for a node.
func (c *Controller) Liveness(id NodeID) (LivenessStatus, bool) {
	return c.liveness.Status(id)
}

// PipelineStats returns the interview queues.
func (c *Controller) PipelineStats() PipelineStats {
	return c.pipeline.Stats()
}

// Ready reports network readiness.
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// ControllerID returns the gateway controller's own node id once
// discovery has completed.
func (c *Controller) ControllerID() (NodeID, bool) {
	id := NodeID(c.controllerID.Load())
	return id, id != 0
}

// Stats returns traffic counters.
func (c *Controller) Stats() Stats {
	return Stats{
		FramesReceived: c.framesIn.Load(),
		FramesSent:     c.framesOut.Load(),
		SendFailures:   c.sendFailures.Load(),
		Reports:        c.reports.Load(),
		Dropped:        c.dropped.Load(),
	}
}

func (c *Controller) dispatchLoop(ctx context.Context) error {
	frames := c.channel.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: inbound frames closed", ErrChannel)
			}
			c.HandleFrame(ctx, f)
		}
	}
}

// transmit is the controller's sole write path. Outcomes of node-level
// frames feed the liveness monitor.
func (c *Controller) transmit(ctx context.Context, f Frame) error {
	c.writeMu.Lock()
	err := c.channel.Send(ctx, f)
	c.writeMu.Unlock()
	c.framesOut.Add(1)

	nodeLevel := f.NodeID != BroadcastNodeID && !f.CommandClass.ControllerScoped()
	if err != nil {
		c.sendFailures.Add(1)
		if nodeLevel {
			c.liveness.NoteFailure(f.NodeID)
		}
		return &ChannelError{Op: "send", NodeID: f.NodeID, CommandClass: f.CommandClass, Err: err}
	}
	if nodeLevel {
		c.liveness.NoteSuccess(f.NodeID)
	}
	return nil
}

// pollNode fires one poll. Sleeping nodes outside their wake-up window are
// skipped.
func (c *Controller) pollNode(ctx context.Context, id NodeID) error {
	view, ok := c.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	if !view.Listening && !c.pipeline.Awake(id) {
		c.logger.Debug("poll skipped for sleeping node", "node_id", id)
		return nil
	}
	return c.transmit(ctx, PollFrame(view))
}

func (c *Controller) handleControllerFrame(ctx context.Context, f Frame) {
	switch f.CommandClass {
	case ClassNodeList:
		c.handleNodeList(ctx, f)
	case ClassAddNode, ClassRemoveNode:
		c.coordinator.HandleFrame(ctx, f)
	default:
		if !c.pipeline.HandleFrame(ctx, f) {
			c.dropped.Add(1)
			c.logger.Debug("unsolicited controller frame dropped", "frame", f)
		}
	}
}

// handleNodeList registers the nodes reported by the gateway controller:
// [controller_id, node_id...].
func (c *Controller) handleNodeList(ctx context.Context, f Frame) {
	if len(f.Payload) < 1 {
		return
	}

	if cid := NodeID(f.Payload[0]); cid.Valid() {
		c.registerController(cid)
	}
	for _, raw := range f.Payload[1:] {
		id := NodeID(raw)
		if !id.Valid() || id == NodeID(c.controllerID.Load()) {
			continue
		}
		if _, created, err := c.registry.Upsert(id); err == nil && created {
			c.pipeline.Enqueue(ctx, id)
		}
	}

	c.discovered.Store(true)
	c.discoveredOnce.Do(func() { close(c.discoveredCh) })
	c.logger.Info("network discovered", "nodes", c.registry.Len())
	c.evaluateReadiness()
}

func (c *Controller) registerController(id NodeID) {
	c.controllerID.Store(uint32(id))
	view, _, err := c.registry.Upsert(id)
	if err != nil || view.Stage.Terminal() {
		return
	}
	info := NodeInfo{Listening: true, Controller: true}
	if err := c.registry.commitStage(id, StageComplete, FailureNone, &info); err != nil {
		c.logger.Warn("controller registration failed", "node_id", id, "error", err)
	}
	_ = c.registry.SetLiveness(id, LivenessAlive)
}

// handleAssociationReport assembles association reports that arrive
// outside an interview.
func (c *Controller) handleAssociationReport(f Frame) {
	group := f.Payload[1]
	if !c.groups.Reporting(f.NodeID, group) {
		c.groups.BeginReport(f.NodeID, group)
	}
	_ = c.groups.Append(f.NodeID, group, decodeMembers(f.Payload[4:]))
	if f.Payload[3] == 0 {
		if err := c.groups.Commit(f.NodeID, group); err != nil {
			c.logger.Warn("association commit failed", "node_id", f.NodeID, "group", group, "error", err)
		}
	}
}

// discover asks the gateway for its node list until it answers.
func (c *Controller) discover(ctx context.Context) error {
	req := Frame{NodeID: BroadcastNodeID, CommandClass: ClassNodeList}
	for attempt := 1; ; attempt++ {
		if err := c.transmit(ctx, req); err != nil {
			c.logger.Warn("node list request failed", "attempt", attempt, "error", err)
		}

		timer := c.clock.NewTimer(discoveryTimeout + c.cfg.Pipeline.withDefaults().Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.discoveredCh:
			timer.Stop()
			return nil
		case <-timer.Chan():
		}
	}
}

// handleEvent keeps readiness and periodic polling in step with the
// lifecycle.
func (c *Controller) handleEvent(e Event) {
	switch ev := e.(type) {
	case NodeInitStageChanged:
		if ev.Stage == StageComplete {
			c.startPolling(ev.NodeID)
		}
		c.evaluateReadiness()
	case NodeAdded, NodeRemoved, InclusionPhaseChanged:
		c.evaluateReadiness()
	}
}

func (c *Controller) startPolling(id NodeID) {
	if id == NodeID(c.controllerID.Load()) {
		return
	}
	interval := c.cfg.DefaultPollInterval
	if v, ok := c.cfg.PollIntervals[id]; ok {
		interval = v
	}
	if interval > 0 {
		c.poller.SchedulePeriodic(id, interval)
	}
}

// evaluateReadiness publishes NetworkReadyChanged when readiness flips.
func (c *Controller) evaluateReadiness() {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()

	ready := c.discovered.Load() && c.coordinator.Idle() && c.registry.AllTerminal()
	if ready == c.ready.Load() {
		return
	}
	c.ready.Store(ready)
	c.logger.Info("network readiness changed", "ready", ready)
	c.bus.Publish(NetworkReadyChanged{Ready: ready})
}

// admit registers a node found by an inclusion and queues its interview.
// A node that was already known is re-admitted from StageIdentify.
func (c *Controller) admit(ctx context.Context, id NodeID) {
	_, created, err := c.registry.Upsert(id)
	if err != nil {
		c.logger.Warn("admit failed", "node_id", id, "error", err)
		return
	}
	if !created {
		c.pipeline.Forget(id)
		if err := c.registry.ResetStage(id); err != nil {
			c.logger.Warn("re-admission reset failed", "node_id", id, "error", err)
		}
	}
	c.pipeline.Enqueue(ctx, id)
}

// evict removes a node reported by an exclusion.
func (c *Controller) evict(id NodeID) {
	c.pipeline.Forget(id)
	c.poller.Cancel(id)
	c.liveness.Forget(id)
	if err := c.registry.Remove(id); err != nil && !errors.Is(err, ErrNodeNotFound) {
		c.logger.Warn("evict failed", "node_id", id, "error", err)
	}
}
