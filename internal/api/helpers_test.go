package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/meshgw"
)

type sendCall struct {
	ID      mesh.NodeID
	Class   mesh.CommandClass
	Payload []byte
}

// fakeController records calls and answers from in-memory maps.
type fakeController struct {
	mu         sync.Mutex
	nodes      map[mesh.NodeID]mesh.NodeView
	groups     map[mesh.NodeID][]mesh.Group
	liveness   map[mesh.NodeID]mesh.LivenessStatus
	session    *mesh.Session
	ready      bool
	controller mesh.NodeID
	err        error

	polls      []mesh.NodeID
	interviews []mesh.NodeID
	sends      []sendCall
	cancels    []mesh.InclusionKind
}

func newFakeController() *fakeController {
	return &fakeController{
		nodes:    make(map[mesh.NodeID]mesh.NodeView),
		groups:   make(map[mesh.NodeID][]mesh.Group),
		liveness: make(map[mesh.NodeID]mesh.LivenessStatus),
	}
}

func (f *fakeController) addNode(v mesh.NodeView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[v.ID] = v
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
	if f.session != nil {
		return mesh.Session{}, mesh.ErrSessionAlreadyActive
	}
	s := mesh.Session{ID: "session-1", Kind: kind, Phase: mesh.PhaseStarted}
	f.session = &s
	return s, nil
}

func (f *fakeController) cancel(kind mesh.InclusionKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil || f.session.Kind != kind {
		return mesh.ErrNoActiveSession
	}
	f.session = nil
	f.cancels = append(f.cancels, kind)
	return nil
}

func (f *fakeController) RequestInclude(context.Context) (mesh.Session, error) {
	return f.start(mesh.KindInclude)
}

func (f *fakeController) RequestExclude(context.Context) (mesh.Session, error) {
	return f.start(mesh.KindExclude)
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
	f.polls = append(f.polls, id)
	return nil
}

func (f *fakeController) RequestInterview(_ context.Context, id mesh.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.nodes[id]; !ok {
		return mesh.ErrNodeNotFound
	}
	f.interviews = append(f.interviews, id)
	return nil
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
	for id := mesh.MinNodeID; id <= mesh.MaxNodeID; id++ {
		if v, ok := f.nodes[id]; ok {
			out = append(out, v)
		}
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
	return mesh.PipelineStats{Queued: []mesh.NodeID{}, InFlight: []mesh.NodeID{}, Parked: []mesh.NodeID{}}
}

func (f *fakeController) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeController) ControllerID() (mesh.NodeID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.controller, f.controller != 0
}

func (f *fakeController) Stats() mesh.Stats {
	return mesh.Stats{FramesReceived: 10, FramesSent: 4}
}

func (f *fakeController) Send(_ context.Context, id mesh.NodeID, class mesh.CommandClass, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, sendCall{ID: id, Class: class, Payload: payload})
	return nil
}

type fakeLink struct{ connected bool }

func (l fakeLink) IsConnected() bool { return l.connected }

type fakeGateway struct{ stats meshgw.Stats }

func (g fakeGateway) IsConnected() bool   { return g.stats.Connected }
func (g fakeGateway) Stats() meshgw.Stats { return g.stats }

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}
	return logger
}

// testServer builds a Server around a fake controller. mutate may adjust
// the dependencies before construction.
func testServer(t *testing.T, mutate ...func(*Deps)) (*Server, *fakeController) {
	t.Helper()

	ctrl := newFakeController()
	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:             srvWSConfig(),
		Logger:         testLogger(t),
		Controller:     ctrl,
		Version:        "test",
		CommandTimeout: time.Second,
	}
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(deps)
	require.NoError(t, err)
	return srv, ctrl
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

type errorBody struct {
	Error Error `json:"error"`
}

func requireError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, w.Code, "body: %s", w.Body.String())
	body := decodeBody[errorBody](t, w)
	require.Equal(t, code, body.Error.Code)
	require.NotEmpty(t, body.Error.Message)
}

func srvWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}
