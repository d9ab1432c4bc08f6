package mesh

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// transmitFunc sends one frame through the controller's serialized writer.
type transmitFunc func(ctx context.Context, f Frame) error

// interview is the in-flight state of one node's bring-up. The stage
// itself is durable in the Registry; everything else here is rebuilt when
// an interview restarts.
type interview struct {
	node    NodeID
	stage   Stage
	info    NodeInfo
	failure FailureReason

	request  Frame
	sent     bool
	awaiting bool
	attempt  int
	deadline time.Time
	seq      uint64 // bumped on every transmission of request

	// stage-local progress
	step      int
	group     uint8
	reporting bool
	params    []uint8
}

func (iv *interview) enterStage(s Stage) {
	iv.stage = s
	iv.sent = false
	iv.awaiting = false
	iv.attempt = 0
	iv.step = 0
	iv.group = 0
	iv.reporting = false
	iv.params = nil
}

// outgoing is a frame decided on under the pipeline lock and transmitted
// after it is released. iv is nil for frames whose failure needs no
// follow-up.
type outgoing struct {
	frame Frame
	iv    *interview
	seq   uint64
}

// PipelineStats is a point-in-time view of the pipeline's queues.
type PipelineStats struct {
	Queued   []NodeID `json:"queued"`
	InFlight []NodeID `json:"in_flight"`
	Parked   []NodeID `json:"parked"`
}

// Pipeline interviews nodes through the ordered bring-up stages.
//
// It is a timer-driven state machine: every outstanding request has a
// deadline, and a tick past the deadline either resends with exponential
// backoff or, once the stage's retries are spent, fails the node with
// FailureTimeoutExhausted and frees its slot for the next queued node. At
// most cfg.MaxConcurrent interviews are in flight; further node ids wait in
// a FIFO queue. Sleeping nodes are parked when they reach a stage that
// needs them awake and resume from their durable stage on wake-up.
//
// Frames are never transmitted with mu held: the state machine queues them
// in outbox and the public entry points flush it once the lock is released,
// so a slow gateway write for one node never stalls frame handling for
// another.
type Pipeline struct {
	mu         sync.Mutex
	cfg        PipelineConfig
	queue      []NodeID
	inflight   map[NodeID]*interview
	parked     map[NodeID]bool
	awakeUntil map[NodeID]time.Time
	outbox     []outgoing

	registry *Registry
	groups   *AssociationManager
	tx       transmitFunc
	clock    clockwork.Clock
	wake     chan struct{}
	logger   Logger
}

// NewPipeline creates a pipeline that sends through tx.
func NewPipeline(cfg PipelineConfig, registry *Registry, groups *AssociationManager,
	tx transmitFunc, clk clockwork.Clock, logger Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg.withDefaults(),
		inflight:   make(map[NodeID]*interview),
		parked:     make(map[NodeID]bool),
		awakeUntil: make(map[NodeID]time.Time),
		registry:   registry,
		groups:     groups,
		tx:         tx,
		clock:      clk,
		wake:       make(chan struct{}, 1),
		logger:     orNoop(logger),
	}
}

// Enqueue queues id for interview. A node that is already queued, in
// flight or parked is left where it is.
func (p *Pipeline) Enqueue(ctx context.Context, id NodeID) bool {
	p.mu.Lock()
	defer p.flush(ctx)
	defer p.mu.Unlock()

	if p.known(id) {
		return false
	}
	p.queue = append(p.queue, id)
	p.pump()
	return true
}

// WakeUp records a wake-up notification from id and resumes its parked
// interview. It reports whether an interview resumed.
func (p *Pipeline) WakeUp(ctx context.Context, id NodeID) bool {
	p.mu.Lock()
	defer p.flush(ctx)
	defer p.mu.Unlock()

	p.awakeUntil[id] = p.clock.Now().Add(p.cfg.AwakeWindow)
	if !p.parked[id] {
		return false
	}
	delete(p.parked, id)
	p.queue = append(p.queue, id)
	p.logger.Info("resuming interview after wake-up", "node_id", id)
	p.pump()
	return true
}

// Awake reports whether a sleeping node is inside its wake-up window.
func (p *Pipeline) Awake(id NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.awake(id)
}

// HandleFrame offers an inbound frame to the node's interview. It reports
// whether the frame answered the outstanding request.
func (p *Pipeline) HandleFrame(ctx context.Context, f Frame) bool {
	p.mu.Lock()
	defer p.flush(ctx)
	defer p.mu.Unlock()

	iv, ok := p.inflight[f.NodeID]
	if !ok || !iv.sent {
		return false
	}
	matched, more := stageHandlers[iv.stage].response(p, iv, f)
	if !matched {
		return false
	}
	if more {
		iv.awaiting = true
		iv.deadline = p.clock.Now().Add(p.cfg.Policy(iv.stage).Timeout)
		signal(p.wake)
		return true
	}

	iv.sent = false
	iv.awaiting = false
	iv.attempt = 0
	p.step(iv)
	p.pump()
	return true
}

// Interrupt expires the node's current wait at once: the request is resent
// if retries remain, otherwise the node fails.
func (p *Pipeline) Interrupt(ctx context.Context, id NodeID) bool {
	p.mu.Lock()
	defer p.flush(ctx)
	defer p.mu.Unlock()

	iv, ok := p.inflight[id]
	if !ok {
		return false
	}
	p.expire(iv)
	p.pump()
	return true
}

// Forget drops every trace of id, for a node that left the network.
func (p *Pipeline) Forget(id NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if iv, ok := p.inflight[id]; ok && iv.reporting {
		p.groups.Discard(id, iv.group)
	}
	delete(p.inflight, id)
	delete(p.parked, id)
	delete(p.awakeUntil, id)
	p.queue = slices.DeleteFunc(p.queue, func(n NodeID) bool { return n == id })
	signal(p.wake)
}

// Stats returns the current queues ordered by node id, except Queued which
// keeps FIFO order.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PipelineStats{Queued: slices.Clone(p.queue)}
	for id := range p.inflight {
		st.InFlight = append(st.InFlight, id)
	}
	for id := range p.parked {
		st.Parked = append(st.Parked, id)
	}
	slices.Sort(st.InFlight)
	slices.Sort(st.Parked)
	return st
}

// Run drives retries and timeouts until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	return runDeadlineLoop(ctx, p.clock, p.wake, p.nextDeadline, p.tick)
}

func (p *Pipeline) nextDeadline() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var next time.Time
	found := false
	for _, iv := range p.inflight {
		if !found || iv.deadline.Before(next) {
			next = iv.deadline
			found = true
		}
	}
	return next, found
}

// tick handles every interview whose deadline has passed.
func (p *Pipeline) tick(ctx context.Context) {
	p.mu.Lock()
	defer p.flush(ctx)
	defer p.mu.Unlock()

	now := p.clock.Now()
	var due []*interview
	for _, iv := range p.inflight {
		if !iv.deadline.After(now) {
			due = append(due, iv)
		}
	}
	slices.SortFunc(due, func(a, b *interview) int { return int(a.node) - int(b.node) })

	for _, iv := range due {
		if p.inflight[iv.node] == iv {
			p.expire(iv)
		}
	}
	p.pump()
}

// expire handles a passed deadline: a timed-out request consumes a retry,
// a finished backoff resends.
func (p *Pipeline) expire(iv *interview) {
	if iv.awaiting {
		p.logger.Debug("interview request timed out",
			"node_id", iv.node, "stage", iv.stage, "attempt", iv.attempt)
		p.retry(iv)
		return
	}
	p.send(iv)
}

// flush transmits queued frames. It must be called without p.mu held. A
// failed interview request counts as a failed attempt unless the interview
// has moved on since the frame was queued.
func (p *Pipeline) flush(ctx context.Context) {
	for {
		p.mu.Lock()
		batch := p.outbox
		p.outbox = nil
		p.mu.Unlock()
		if len(batch) == 0 {
			return
		}

		for _, o := range batch {
			err := p.tx(ctx, o.frame)
			if err == nil {
				continue
			}
			if o.iv == nil {
				p.logger.Debug("frame send failed", "node_id", o.frame.NodeID,
					"command_class", o.frame.CommandClass, "error", err)
				continue
			}
			p.logger.Debug("interview request failed", "node_id", o.frame.NodeID,
				"command_class", o.frame.CommandClass, "error", err)

			p.mu.Lock()
			if p.inflight[o.iv.node] == o.iv && o.iv.seq == o.seq && o.iv.awaiting {
				p.retry(o.iv)
				p.pump()
			}
			p.mu.Unlock()
		}
	}
}

// The methods below must be called with p.mu held.

func (p *Pipeline) known(id NodeID) bool {
	if _, ok := p.inflight[id]; ok || p.parked[id] {
		return true
	}
	return slices.Contains(p.queue, id)
}

func (p *Pipeline) awake(id NodeID) bool {
	until, ok := p.awakeUntil[id]
	return ok && p.clock.Now().Before(until)
}

// pump starts queued interviews while slots are free.
func (p *Pipeline) pump() {
	for len(p.inflight) < p.cfg.MaxConcurrent && len(p.queue) > 0 {
		id := p.queue[0]
		p.queue = p.queue[1:]
		p.start(id)
	}
}

func (p *Pipeline) start(id NodeID) {
	view, ok := p.registry.Get(id)
	if !ok || view.Stage.Terminal() {
		return
	}
	iv := &interview{node: id, info: view.NodeInfo.clone()}
	iv.enterStage(view.Stage)
	p.inflight[id] = iv
	p.logger.Debug("interview started", "node_id", id, "stage", view.Stage)
	p.step(iv)
}

// step advances iv until it has a request outstanding or leaves flight.
func (p *Pipeline) step(iv *interview) {
	for {
		if iv.failure != FailureNone {
			p.fail(iv, iv.failure)
			return
		}
		if iv.stage == StageComplete {
			p.finish(iv)
			return
		}
		if iv.stage.requiresAwake() && !iv.info.Listening && !p.awake(iv.node) {
			p.park(iv)
			return
		}

		if f, ok := stageHandlers[iv.stage].request(p, iv); ok {
			iv.request = f
			p.send(iv)
			return
		}

		next := iv.stage.next()
		if err := p.registry.commitStage(iv.node, next, FailureNone, &iv.info); err != nil {
			p.logger.Warn("interview abandoned", "node_id", iv.node, "stage", next, "error", err)
			delete(p.inflight, iv.node)
			return
		}
		iv.enterStage(next)
	}
}

// send queues the current request for transmission and arms its response
// deadline.
func (p *Pipeline) send(iv *interview) {
	if iv.sent {
		// Resend: rebuild the request so stage-local state restarts with it.
		f, ok := stageHandlers[iv.stage].request(p, iv)
		if !ok {
			iv.sent = false
			p.step(iv)
			return
		}
		iv.request = f
	}

	iv.sent = true
	iv.awaiting = true
	iv.seq++
	iv.deadline = p.clock.Now().Add(p.cfg.Policy(iv.stage).Timeout)
	p.outbox = append(p.outbox, outgoing{frame: iv.request, iv: iv, seq: iv.seq})
	signal(p.wake)
}

// retry consumes one retry: it arms the backoff before the next resend or
// fails the node when the stage's budget is spent.
func (p *Pipeline) retry(iv *interview) {
	if p.inflight[iv.node] != iv {
		return
	}
	iv.attempt++
	if iv.attempt > p.cfg.Policy(iv.stage).Retries {
		p.fail(iv, FailureTimeoutExhausted)
		return
	}
	iv.awaiting = false
	iv.deadline = p.clock.Now().Add(p.cfg.Backoff(iv.attempt))
	signal(p.wake)
}

func (p *Pipeline) fail(iv *interview, reason FailureReason) {
	delete(p.inflight, iv.node)
	if iv.reporting {
		p.groups.Discard(iv.node, iv.group)
	}
	p.logger.Warn("node interview failed", "node_id", iv.node, "stage", iv.stage, "reason", reason)
	if err := p.registry.commitStage(iv.node, StageFailed, reason, &iv.info); err != nil {
		p.logger.Warn("stage change rejected", "node_id", iv.node, "error", err)
	}
	p.releaseSleeper(iv)
}

func (p *Pipeline) finish(iv *interview) {
	delete(p.inflight, iv.node)
	p.logger.Info("node interview complete", "node_id", iv.node)
	p.releaseSleeper(iv)
}

// releaseSleeper lets a sleeping node go back to sleep once its interview
// is over.
func (p *Pipeline) releaseSleeper(iv *interview) {
	if iv.info.Listening || !p.awake(iv.node) {
		return
	}
	delete(p.awakeUntil, iv.node)
	p.outbox = append(p.outbox, outgoing{
		frame: Frame{NodeID: iv.node, CommandClass: ClassWakeUp, Payload: []byte{cmdWakeUpNoMoreInformation}},
	})
}

func (p *Pipeline) park(iv *interview) {
	delete(p.inflight, iv.node)
	p.parked[iv.node] = true
	p.logger.Info("interview waiting for wake-up", "node_id", iv.node, "stage", iv.stage)
}
