package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/meshgw"
)

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	handlers      map[string]mqtt.MessageHandler
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

// PublishedTo returns every message published to topic, oldest first.
func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// waitFor blocks until at least one message was published to topic and
// returns the latest.
func (m *MockMQTTClient) waitFor(t *testing.T, topic string) mockPublish {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(m.PublishedTo(topic)) > 0
	}, timeout, tick, "nothing published to %s", topic)
	msgs := m.PublishedTo(topic)
	return msgs[len(msgs)-1]
}

// fakeController implements Controller with canned state and errors.
type fakeController struct {
	mu       sync.Mutex
	nodes    map[mesh.NodeID]mesh.NodeView
	groups   map[mesh.NodeID][]mesh.Group
	liveness map[mesh.NodeID]mesh.LivenessStatus
	session  *mesh.Session
	ready    bool
	err      error

	sent       []mesh.Frame
	polled     []mesh.NodeID
	interviews []mesh.NodeID
}

func newFakeController() *fakeController {
	return &fakeController{
		nodes:    make(map[mesh.NodeID]mesh.NodeView),
		groups:   make(map[mesh.NodeID][]mesh.Group),
		liveness: make(map[mesh.NodeID]mesh.LivenessStatus),
	}
}

func (f *fakeController) addNode(id mesh.NodeID, stage mesh.Stage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[id] = mesh.NodeView{ID: id, Liveness: mesh.LivenessAlive, Stage: stage}
	f.liveness[id] = mesh.LivenessStatus{}
}

func (f *fakeController) removeNode(id mesh.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, id)
	delete(f.groups, id)
	delete(f.liveness, id)
}

func (f *fakeController) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeController) start(kind mesh.InclusionKind) (mesh.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return mesh.Session{}, f.err
	}
	s := mesh.Session{ID: "session-1", Kind: kind, Phase: mesh.PhaseStarted}
	f.session = &s
	return s, nil
}

func (f *fakeController) RequestInclude(context.Context) (mesh.Session, error) {
	return f.start(mesh.KindInclude)
}

func (f *fakeController) RequestExclude(context.Context) (mesh.Session, error) {
	return f.start(mesh.KindExclude)
}

func (f *fakeController) cancel(kind mesh.InclusionKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil || f.session.Kind != kind {
		return mesh.ErrNoActiveSession
	}
	f.session = nil
	return nil
}

func (f *fakeController) CancelInclude(context.Context) error { return f.cancel(mesh.KindInclude) }
func (f *fakeController) CancelExclude(context.Context) error { return f.cancel(mesh.KindExclude) }

func (f *fakeController) InclusionSession() (mesh.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return mesh.Session{}, false
	}
	return *f.session, true
}

func (f *fakeController) RequestPoll(id mesh.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return mesh.ErrNodeNotFound
	}
	f.polled = append(f.polled, id)
	return f.err
}

func (f *fakeController) RequestInterview(_ context.Context, id mesh.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return mesh.ErrNodeNotFound
	}
	f.interviews = append(f.interviews, id)
	return f.err
}

func (f *fakeController) RequestNodeSnapshot(id mesh.NodeID) (mesh.NodeView, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.nodes[id]
	return v, ok
}

func (f *fakeController) Nodes() []mesh.NodeView {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mesh.NodeView, 0, len(f.nodes))
	for _, v := range f.nodes {
		out = append(out, v)
	}
	return out
}

func (f *fakeController) Groups(id mesh.NodeID) []mesh.Group {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[id]
}

func (f *fakeController) Liveness(id mesh.NodeID) (mesh.LivenessStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.liveness[id]
	return s, ok
}

func (f *fakeController) PipelineStats() mesh.PipelineStats {
	return mesh.PipelineStats{}
}

func (f *fakeController) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeController) Send(_ context.Context, id mesh.NodeID, class mesh.CommandClass, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, mesh.Frame{NodeID: id, CommandClass: class, Payload: payload})
	return nil
}

// fakeGateway implements Gateway.
type fakeGateway struct {
	connected bool
	stats     meshgw.Stats
}

func (g *fakeGateway) IsConnected() bool   { return g.connected }
func (g *fakeGateway) Stats() meshgw.Stats { return g.stats }

type testBridge struct {
	*Bridge
	mqtt *MockMQTTClient
	ctrl *fakeController
	bus  *mesh.Bus
}

func newTestBridge(t *testing.T, mutate ...func(*BridgeOptions)) *testBridge {
	t.Helper()
	mq := NewMockMQTTClient()
	ctrl := newFakeController()
	bus := mesh.NewBus(nil)

	opts := BridgeOptions{
		MQTT:           mq,
		Controller:     ctrl,
		Events:         bus,
		Gateway:        &fakeGateway{connected: true},
		GatewayAddress: "tcp://gateway:4100",
		Version:        "test",
		HealthInterval: time.Hour,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	b, err := NewBridge(opts)
	require.NoError(t, err)
	t.Cleanup(b.Stop)
	return &testBridge{Bridge: b, mqtt: mq, ctrl: ctrl, bus: bus}
}

func decode[T any](t *testing.T, p mockPublish) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(p.Payload, &v))
	return v
}
