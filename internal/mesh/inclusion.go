package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultSessionTimeout bounds how long an inclusion or exclusion waits
// for the network to report a node.
const DefaultSessionTimeout = 60 * time.Second

// InclusionKind says whether a session admits or removes a node.
type InclusionKind uint8

// Session kinds.
const (
	KindInclude InclusionKind = iota + 1
	KindExclude
)

// String implements fmt.Stringer.
func (k InclusionKind) String() string {
	switch k {
	case KindInclude:
		return "include"
	case KindExclude:
		return "exclude"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k InclusionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k InclusionKind) class() CommandClass {
	if k == KindExclude {
		return ClassRemoveNode
	}
	return ClassAddNode
}

// InclusionPhase is a session's progress. PhaseIdle is the coordinator's
// state between sessions and never appears in an event.
type InclusionPhase uint8

// Session phases in order.
const (
	PhaseIdle InclusionPhase = iota
	PhaseStarted
	PhaseSlaveFound
	PhaseControllerFound
	PhaseDone
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseIdle:            "idle",
	PhaseStarted:         "started",
	PhaseSlaveFound:      "slave_found",
	PhaseControllerFound: "controller_found",
	PhaseDone:            "done",
	PhaseFailed:          "failed",
}

// String implements fmt.Stringer.
func (p InclusionPhase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p InclusionPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p InclusionPhase) found() bool {
	return p == PhaseSlaveFound || p == PhaseControllerFound
}

// Session describes the active inclusion or exclusion.
type Session struct {
	ID        string         `json:"id"`
	Kind      InclusionKind  `json:"kind"`
	Phase     InclusionPhase `json:"phase"`
	NodeID    NodeID         `json:"node_id,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Deadline  time.Time      `json:"deadline"`
}

// membership applies the outcome of a session to the rest of the
// controller.
type membership interface {
	admit(ctx context.Context, id NodeID)
	evict(id NodeID)
}

// Coordinator runs the single inclusion/exclusion session.
//
// Idle → Started → SlaveFound|ControllerFound → Done, or Started → Failed.
// A start while a session is active is rejected with
// ErrSessionAlreadyActive and changes nothing. Every transition publishes
// InclusionPhaseChanged; the session is cleared before the terminal event
// is published so subscribers already see the coordinator idle.
type Coordinator struct {
	// op serializes transitions and their events.
	op sync.Mutex

	mu      sync.RWMutex
	session *Session

	timeout time.Duration
	tx      transmitFunc
	members membership
	bus     *Bus
	clock   clockwork.Clock
	wake    chan struct{}
	logger  Logger
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(timeout time.Duration, tx transmitFunc, members membership, bus *Bus,
	clk clockwork.Clock, logger Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &Coordinator{
		timeout: timeout,
		tx:      tx,
		members: members,
		bus:     bus,
		clock:   clk,
		wake:    make(chan struct{}, 1),
		logger:  orNoop(logger),
	}
}

// Start opens a session of kind k.
func (c *Coordinator) Start(ctx context.Context, k InclusionKind) (Session, error) {
	c.op.Lock()
	defer c.op.Unlock()

	if !c.Idle() {
		return Session{}, ErrSessionAlreadyActive
	}

	if err := c.tx(ctx, Frame{NodeID: BroadcastNodeID, CommandClass: k.class(), Payload: []byte{membershipStart}}); err != nil {
		return Session{}, fmt.Errorf("start %s: %w", k, err)
	}

	now := c.clock.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Kind:      k,
		Phase:     PhaseStarted,
		StartedAt: now,
		Deadline:  now.Add(c.timeout),
	}
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	signal(c.wake)

	c.logger.Info("inclusion session started", "session_id", s.ID, "kind", k)
	c.publish(*s)
	return *s, nil
}

// Cancel fails the active session of kind k.
func (c *Coordinator) Cancel(ctx context.Context, k InclusionKind) error {
	c.op.Lock()
	defer c.op.Unlock()

	s, ok := c.Session()
	if !ok || s.Kind != k {
		return fmt.Errorf("%w: %s", ErrNoActiveSession, k)
	}
	c.logger.Info("inclusion session cancelled", "session_id", s.ID, "kind", k)
	c.terminate(ctx, s, PhaseFailed)
	return nil
}

// Session returns a copy of the active session.
func (c *Coordinator) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Idle reports whether no session is active.
func (c *Coordinator) Idle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session == nil
}

// HandleFrame consumes membership status reports [status, node_id].
func (c *Coordinator) HandleFrame(ctx context.Context, f Frame) bool {
	if f.CommandClass != ClassAddNode && f.CommandClass != ClassRemoveNode {
		return false
	}

	c.op.Lock()
	defer c.op.Unlock()

	s, ok := c.Session()
	if !ok || s.Kind.class() != f.CommandClass || len(f.Payload) < 1 {
		c.logger.Debug("membership report without matching session", "frame", f)
		return true
	}

	var id NodeID
	if len(f.Payload) >= 2 {
		id = NodeID(f.Payload[1])
	}

	switch f.Payload[0] {
	case membershipStatusReady:
	case membershipStatusSlaveFound:
		c.found(ctx, s, PhaseSlaveFound, id)
	case membershipStatusControllerFound:
		c.found(ctx, s, PhaseControllerFound, id)
	case membershipStatusDone:
		if s.Phase.found() {
			c.terminate(ctx, s, PhaseDone)
		} else {
			c.terminate(ctx, s, PhaseFailed)
		}
	case membershipStatusFailed:
		c.terminate(ctx, s, PhaseFailed)
	default:
		c.logger.Debug("unknown membership status", "status", f.Payload[0])
	}
	return true
}

// Run enforces the session timeout until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	return runDeadlineLoop(ctx, c.clock, c.wake, c.nextDeadline, c.expire)
}

func (c *Coordinator) nextDeadline() (time.Time, bool) {
	s, ok := c.Session()
	return s.Deadline, ok
}

// expire ends a session whose deadline passed. A session that never found
// a node fails; one that did has already changed membership and completes.
func (c *Coordinator) expire(ctx context.Context) {
	c.op.Lock()
	defer c.op.Unlock()

	s, ok := c.Session()
	if !ok || s.Deadline.After(c.clock.Now()) {
		return
	}
	c.logger.Warn("inclusion session timed out", "session_id", s.ID, "kind", s.Kind, "phase", s.Phase)
	if s.Phase.found() {
		c.terminate(ctx, s, PhaseDone)
		return
	}
	c.terminate(ctx, s, PhaseFailed)
}

// found must be called with c.op held.
func (c *Coordinator) found(ctx context.Context, s Session, phase InclusionPhase, id NodeID) {
	if s.Phase != PhaseStarted {
		return
	}
	if s.Kind == KindInclude && !id.Valid() {
		c.logger.Warn("included node has invalid id", "node_id", id)
		c.terminate(ctx, s, PhaseFailed)
		return
	}

	c.mu.Lock()
	c.session.Phase = phase
	c.session.NodeID = id
	c.session.Deadline = c.clock.Now().Add(c.timeout)
	s = *c.session
	c.mu.Unlock()
	signal(c.wake)

	c.logger.Info("inclusion node found", "session_id", s.ID, "kind", s.Kind, "node_id", id, "phase", phase)
	c.publish(s)

	if !id.Valid() {
		return
	}
	if s.Kind == KindInclude {
		c.members.admit(ctx, id)
	} else {
		c.members.evict(id)
	}
}

// terminate must be called with c.op held.
func (c *Coordinator) terminate(ctx context.Context, s Session, phase InclusionPhase) {
	stop := Frame{NodeID: BroadcastNodeID, CommandClass: s.Kind.class(), Payload: []byte{membershipStop}}
	if err := c.tx(ctx, stop); err != nil {
		c.logger.Warn("failed to stop inclusion mode", "session_id", s.ID, "error", err)
	}

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	signal(c.wake)

	s.Phase = phase
	c.logger.Info("inclusion session ended", "session_id", s.ID, "kind", s.Kind, "phase", phase)
	c.publish(s)
}

func (c *Coordinator) publish(s Session) {
	c.bus.Publish(InclusionPhaseChanged{SessionID: s.ID, SessionKind: s.Kind, Phase: s.Phase, NodeID: s.NodeID})
}
