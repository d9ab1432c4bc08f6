package meshgw

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// fakeGateway accepts connections, answers the hello exchange and acks
// every frame unless respond says otherwise.
type fakeGateway struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	conn     net.Conn
	received []message
	respond  func(message) *message
	accepted chan net.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	g := &fakeGateway{t: t, ln: ln, accepted: make(chan net.Conn, 4)}
	go g.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return g
}

func (g *fakeGateway) url() string {
	return "tcp://" + g.ln.Addr().String()
}

func (g *fakeGateway) acceptLoop() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		go g.serve(conn)
	}
}

func (g *fakeGateway) serve(conn net.Conn) {
	defer conn.Close()

	hello, err := readMessage(conn, DefaultMaxFrameSize)
	if err != nil || hello.Type != msgHello {
		return
	}
	if err := writeMessage(conn, message{Type: msgHello, Version: protocolVersion}, DefaultMaxFrameSize); err != nil {
		return
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	g.accepted <- conn

	for {
		m, err := readMessage(conn, DefaultMaxFrameSize)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.received = append(g.received, m)
		respond := g.respond
		g.mu.Unlock()

		reply := &message{Type: msgAck, Seq: m.Seq}
		if respond != nil {
			reply = respond(m)
		}
		if reply != nil {
			if err := g.write(*reply); err != nil {
				return
			}
		}
	}
}

func (g *fakeGateway) write(m message) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	return writeMessage(conn, m, DefaultMaxFrameSize)
}

func (g *fakeGateway) setRespond(fn func(message) *message) {
	g.mu.Lock()
	g.respond = fn
	g.mu.Unlock()
}

func (g *fakeGateway) Received() []message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]message(nil), g.received...)
}

func (g *fakeGateway) waitConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-g.accepted:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("gateway connection not established")
		return nil
	}
}

func connectTest(t *testing.T, g *fakeGateway, cfg Config) *Client {
	t.Helper()
	cfg.Connection = g.url()
	c, err := Connect(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	g.waitConn(t)
	return c
}

func TestClient_SendIsAcknowledged(t *testing.T) {
	g := newFakeGateway(t)
	c := connectTest(t, g, Config{})

	f := mesh.Frame{NodeID: 5, CommandClass: mesh.ClassBasic, Payload: []byte{0x01, 0xFF}}
	require.NoError(t, c.Send(context.Background(), f))

	got := g.Received()
	require.Len(t, got, 1)
	assert.Equal(t, f, got[0].frame())
	assert.NotZero(t, got[0].Seq)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.FramesTx)
	assert.Equal(t, uint64(1), st.Acks)
	assert.True(t, st.Connected)
}

func TestClient_NakAndTimeout(t *testing.T) {
	g := newFakeGateway(t)
	c := connectTest(t, g, Config{AckTimeout: 50 * time.Millisecond})

	g.setRespond(func(m message) *message {
		switch m.NodeID {
		case 7:
			return &message{Type: msgNak, Seq: m.Seq, Reason: "no route"}
		case 8:
			return nil
		}
		return &message{Type: msgAck, Seq: m.Seq}
	})

	err := c.Send(context.Background(), mesh.Frame{NodeID: 7, CommandClass: mesh.ClassBasic})
	assert.ErrorIs(t, err, ErrNak)
	assert.Contains(t, err.Error(), "no route")

	err = c.Send(context.Background(), mesh.Frame{NodeID: 8, CommandClass: mesh.ClassBasic})
	assert.ErrorIs(t, err, ErrNoAck)

	require.NoError(t, c.Send(context.Background(), mesh.Frame{NodeID: 9, CommandClass: mesh.ClassBasic}))

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Naks)
	assert.Equal(t, uint64(1), st.AckTimeouts)
}

func TestClient_SendHonoursContext(t *testing.T) {
	g := newFakeGateway(t)
	c := connectTest(t, g, Config{AckTimeout: time.Minute})
	g.setRespond(func(message) *message { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Send(ctx, mesh.Frame{NodeID: 5, CommandClass: mesh.ClassBasic})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_InboundFrames(t *testing.T) {
	g := newFakeGateway(t)
	c := connectTest(t, g, Config{})

	require.NoError(t, g.write(message{Type: msgInbound, NodeID: 4, Class: uint16(mesh.ClassSwitchBinary), Payload: []byte{0x03, 0xFF}}))

	select {
	case f := <-c.Frames():
		assert.Equal(t, mesh.Frame{NodeID: 4, CommandClass: mesh.ClassSwitchBinary, Payload: []byte{0x03, 0xFF}}, f)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame not delivered")
	}
	assert.Equal(t, uint64(1), c.Stats().FramesRx)
}

func TestClient_InboundQueueOverflowDrops(t *testing.T) {
	g := newFakeGateway(t)
	c := connectTest(t, g, Config{InboundQueueSize: 1})

	for i := range 3 {
		require.NoError(t, g.write(message{Type: msgInbound, NodeID: uint16(i + 1), Class: uint16(mesh.ClassBasic)}))
	}

	require.Eventually(t, func() bool {
		return c.Stats().FramesRx == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), c.Stats().FramesDropped)
	assert.Equal(t, mesh.NodeID(1), (<-c.Frames()).NodeID)
}

func TestClient_ReconnectsAfterLoss(t *testing.T) {
	g := newFakeGateway(t)
	c := connectTest(t, g, Config{ReconnectInterval: 10 * time.Millisecond})

	g.mu.Lock()
	g.conn.Close()
	g.mu.Unlock()

	g.waitConn(t)
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().ReconnectsTotal)

	require.NoError(t, c.Send(context.Background(), mesh.Frame{NodeID: 5, CommandClass: mesh.ClassBasic}))
}

func TestClient_DesyncDropsConnection(t *testing.T) {
	g := newFakeGateway(t)
	c := connectTest(t, g, Config{ReconnectInterval: 10 * time.Millisecond})

	g.mu.Lock()
	_, err := g.conn.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	g.mu.Unlock()
	require.NoError(t, err)

	g.waitConn(t)
	require.Eventually(t, func() bool {
		return c.Stats().ReconnectsTotal == 1 && c.IsConnected()
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotZero(t, c.Stats().ErrorsTotal)
}

func TestClient_Close(t *testing.T) {
	g := newFakeGateway(t)
	c := connectTest(t, g, Config{})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, open := <-c.Frames()
	assert.False(t, open)
	assert.ErrorIs(t, c.Send(context.Background(), mesh.Frame{NodeID: 5}), ErrClosed)
	assert.ErrorIs(t, c.HealthCheck(context.Background()), ErrClosed)
}

func TestConnect_Failures(t *testing.T) {
	_, err := Connect(context.Background(), Config{Connection: "serial:///dev/tty"}, nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Connect(context.Background(), Config{Connection: "tcp://" + addr, ConnectTimeout: 200 * time.Millisecond}, nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}
