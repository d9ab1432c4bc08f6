package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeChannel records sent frames. fail, when set, decides the outcome of
// each send and may block to stand in for a slow gateway.
type fakeChannel struct {
	mu     sync.Mutex
	sent   []Frame
	fail   func(Frame) error
	frames chan Frame
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{frames: make(chan Frame, 16)}
}

func (c *fakeChannel) Send(_ context.Context, f Frame) error {
	c.mu.Lock()
	c.sent = append(c.sent, f)
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return fail(f)
	}
	return nil
}

func (c *fakeChannel) Frames() <-chan Frame { return c.frames }

func (c *fakeChannel) setFail(fn func(Frame) error) {
	c.mu.Lock()
	c.fail = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Sent() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeChannel) Last() Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return Frame{}
	}
	return c.sent[len(c.sent)-1]
}

// count returns how many frames of class were sent to id.
func (c *fakeChannel) count(id NodeID, class CommandClass) int {
	n := 0
	for _, f := range c.Sent() {
		if f.NodeID == id && f.CommandClass == class {
			n++
		}
	}
	return n
}

// recorder captures every event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(bus *Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) ofKind(k EventKind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

// stages returns the stage transitions published for id.
func (r *recorder) stages(id NodeID) []Stage {
	var out []Stage
	for _, e := range r.Events() {
		if ev, ok := e.(NodeInitStageChanged); ok && ev.NodeID == id {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func (r *recorder) phases() []InclusionPhase {
	var out []InclusionPhase
	for _, e := range r.ofKind(KindInclusionPhaseChanged) {
		out = append(out, e.(InclusionPhaseChanged).Phase)
	}
	return out
}

func (r *recorder) readiness() []bool {
	var out []bool
	for _, e := range r.ofKind(KindNetworkReadyChanged) {
		out = append(out, e.(NetworkReadyChanged).Ready)
	}
	return out
}

type testController struct {
	*Controller
	ch    *fakeChannel
	clock *clockwork.FakeClock
	rec   *recorder
	ctx   context.Context
}

func newTestController(t *testing.T, cfg Config) *testController {
	t.Helper()
	ch := newFakeChannel()
	clk := clockwork.NewFakeClockAt(testStart)
	c, err := New(Options{Channel: ch, Config: cfg, Clock: clk})
	require.NoError(t, err)
	return &testController{
		Controller: c,
		ch:         ch,
		clock:      clk,
		rec:        record(c.Bus()),
		ctx:        context.Background(),
	}
}

// frame feeds an inbound frame through the controller.
func (tc *testController) frame(id NodeID, class CommandClass, payload ...byte) {
	tc.HandleFrame(tc.ctx, Frame{NodeID: id, CommandClass: class, Payload: payload})
}

// advance moves time forward and runs the pipeline's deadline handling.
func (tc *testController) advance(d time.Duration) {
	tc.clock.Advance(d)
	tc.pipeline.tick(tc.ctx)
}

// answerBasics answers Identify, ProtocolInfo and NodeInfo for id.
func (tc *testController) answerBasics(id NodeID, listening bool, classes ...byte) {
	caps := byte(0)
	if listening {
		caps = listeningCapability
	}
	tc.frame(id, ClassIdentify, 1)
	tc.frame(id, ClassProtocolInfo, caps, 0, 0, 4, 0x10, 1)
	tc.frame(id, ClassNodeInfo, append([]byte{4, 0x10, 1}, classes...)...)
}

// stageOf returns the node's current stage.
func (tc *testController) stageOf(t *testing.T, id NodeID) Stage {
	t.Helper()
	v, ok := tc.registry.Get(id)
	require.True(t, ok, "node %d not registered", id)
	return v.Stage
}

func newTestRegistry() (*Registry, *AssociationManager, *Bus, *clockwork.FakeClock) {
	clk := clockwork.NewFakeClockAt(testStart)
	bus := NewBus(nil)
	groups := NewAssociationManager(bus)
	return NewRegistry(bus, groups, clk), groups, bus, clk
}
