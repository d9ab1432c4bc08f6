package meshgw

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Defaults for gateway communication.
const (
	defaultConnectTimeout       = 10 * time.Second
	defaultAckTimeout           = 2 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultReconnectInterval    = 2 * time.Second
	defaultMaxReconnectInterval = time.Minute

	// defaultInboundQueueSize bounds frames waiting for the controller.
	defaultInboundQueueSize = 256
)

// Config holds the gateway connection settings.
type Config struct {
	// Connection is the gateway URL: "tcp://host:port" or "unix:///path".
	Connection string

	// ConnectTimeout bounds dial plus handshake. Default: 10s.
	ConnectTimeout time.Duration

	// AckTimeout is how long Send waits for the gateway to acknowledge a
	// frame. Default: 2s.
	AckTimeout time.Duration

	// ReconnectInterval is the first delay between reconnection attempts;
	// it doubles up to MaxReconnectInterval. Defaults: 2s and 1m.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// MaxFrameSize bounds one encoded message. Default: 64 KiB.
	MaxFrameSize int

	// InboundQueueSize is the capacity of the Frames channel. Default: 256.
	InboundQueueSize int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.MaxReconnectInterval < c.ReconnectInterval {
		c.MaxReconnectInterval = max(defaultMaxReconnectInterval, c.ReconnectInterval)
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = defaultInboundQueueSize
	}
	return c
}

// Stats holds operational statistics.
type Stats struct {
	FramesTx        uint64    `json:"frames_tx"`
	FramesRx        uint64    `json:"frames_rx"`
	FramesDropped   uint64    `json:"frames_dropped"`
	Acks            uint64    `json:"acks"`
	Naks            uint64    `json:"naks"`
	AckTimeouts     uint64    `json:"ack_timeouts"`
	ErrorsTotal     uint64    `json:"errors_total"`
	ReconnectsTotal uint64    `json:"reconnects_total"`
	LastActivity    time.Time `json:"last_activity"`
	Connected       bool      `json:"connected"`
	Reconnecting    bool      `json:"reconnecting"`
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Ensure Client implements mesh.FrameChannel.
var _ mesh.FrameChannel = (*Client)(nil)

// Client is a connection to the radio gateway daemon.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Send may be called while Frames is being drained.
//
// Auto-Reconnection:
//   - When the connection is lost, pending sends fail with ErrNotConnected
//     and the client reconnects with exponential backoff until Close.
type Client struct {
	cfg     Config
	network string
	address string

	connMu    sync.RWMutex
	conn      net.Conn
	connected bool
	writeMu   sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]chan error
	seq       atomic.Uint32

	frames      chan mesh.Frame
	closeFrames sync.Once

	reconnecting atomic.Bool

	done *closeOnce
	wg   sync.WaitGroup

	logger Logger

	framesTx        atomic.Uint64
	framesRx        atomic.Uint64
	framesDropped   atomic.Uint64
	acks            atomic.Uint64
	naks            atomic.Uint64
	ackTimeouts     atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// Connect dials the gateway, performs the hello exchange and starts the
// receive loop. logger may be nil.
func Connect(ctx context.Context, cfg Config, logger Logger) (*Client, error) {
	cfg = cfg.withDefaults()

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		cfg:     cfg,
		network: network,
		address: address,
		pending: make(map[uint32]chan error),
		frames:  make(chan mesh.Frame, cfg.InboundQueueSize),
		done:    newCloseOnce(),
		logger:  logger,
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.setConn(conn)
	c.touch()

	c.wg.Add(1)
	go c.receiveLoop()

	c.logInfo("connected to mesh gateway", "connection", cfg.Connection)
	return c, nil
}

// parseConnectionURL parses a gateway URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", errors.New("unix URL needs a socket path")
		}
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = "localhost:4100"
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
	}
}

// dial connects and performs the hello exchange within ConnectTimeout.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("dial %s://%s: %w", c.network, c.address, err)
	}

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return conn, nil
}

// handshake sends hello and waits for the gateway's hello.
func (c *Client) handshake(ctx context.Context, conn net.Conn) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.ConnectTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck // best-effort reset

	if err := writeMessage(conn, message{Type: msgHello, Version: protocolVersion}, c.cfg.MaxFrameSize); err != nil {
		return err
	}

	resp, err := readMessage(conn, c.cfg.MaxFrameSize)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if resp.Type != msgHello {
		return fmt.Errorf("unexpected message type %d", resp.Type)
	}
	if resp.Version != protocolVersion {
		return fmt.Errorf("unsupported gateway protocol version %d", resp.Version)
	}
	return nil
}

// Send transmits f and waits for the gateway's acknowledgement.
func (c *Client) Send(ctx context.Context, f mesh.Frame) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	seq := c.nextSeq()
	ack := make(chan error, 1)
	c.pendingMu.Lock()
	c.pending[seq] = ack
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	if err := c.write(ctx, conn, frameMessage(seq, f)); err != nil {
		c.errorsTotal.Add(1)
		return err
	}
	c.framesTx.Add(1)
	c.touch()

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case err := <-ack:
		return err
	case <-timer.C:
		c.ackTimeouts.Add(1)
		return fmt.Errorf("%w: seq %d after %s", ErrNoAck, seq, c.cfg.AckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done.Done():
		return ErrClosed
	}
}

func (c *Client) write(ctx context.Context, conn net.Conn, m message) error {
	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrNotConnected, err)
	}
	if err := writeMessage(conn, m, c.cfg.MaxFrameSize); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

func (c *Client) nextSeq() uint32 {
	for {
		if seq := c.seq.Add(1); seq != 0 {
			return seq
		}
	}
}

// Frames returns inbound radio frames. The channel is closed by Close.
func (c *Client) Frames() <-chan mesh.Frame {
	return c.frames
}

// receiveLoop reads gateway messages until Close, reconnecting on loss.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for {
		if c.isClosed() {
			return
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		m, err := readMessage(conn, c.cfg.MaxFrameSize)
		if err != nil {
			if c.handleReadError(conn, err) {
				if c.isClosed() || !c.reconnect() {
					return
				}
			}
			continue
		}
		c.dispatch(m)
	}
}

// handleReadError reports whether the connection is unusable.
func (c *Client) handleReadError(conn net.Conn, err error) bool {
	if c.isClosed() {
		return true
	}

	var decErr *decodeError
	if errors.As(err, &decErr) {
		c.errorsTotal.Add(1)
		c.logWarn("undecodable gateway message skipped", "error", err)
		return false
	}

	if errors.Is(err, ErrProtocolDesync) {
		c.logError("protocol desync detected, closing socket", err)
	} else {
		c.logError("gateway read failed", err)
	}
	c.errorsTotal.Add(1)
	conn.Close()
	c.handleDisconnect()
	return true
}

func (c *Client) dispatch(m message) {
	switch m.Type {
	case msgAck:
		c.acks.Add(1)
		c.resolve(m.Seq, nil)
	case msgNak:
		c.naks.Add(1)
		reason := m.Reason
		if reason == "" {
			reason = "refused"
		}
		c.resolve(m.Seq, fmt.Errorf("%w: seq %d: %s", ErrNak, m.Seq, reason))
	case msgInbound:
		c.framesRx.Add(1)
		c.touch()
		select {
		case c.frames <- m.frame():
		default:
			c.framesDropped.Add(1)
			c.logWarn("inbound queue full, dropping frame", "node_id", m.NodeID, "class", m.Class)
		}
	default:
		c.logDebug("ignoring gateway message", "type", m.Type)
	}
}

func (c *Client) resolve(seq uint32, err error) {
	c.pendingMu.Lock()
	ack, ok := c.pending[seq]
	delete(c.pending, seq)
	c.pendingMu.Unlock()

	if !ok {
		c.logDebug("ack for unknown sequence", "seq", seq)
		return
	}
	ack <- err
}

// failPending releases every waiting Send with err.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for seq, ack := range c.pending {
		ack <- err
		delete(c.pending, seq)
	}
}

func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.connMu.Unlock()

	c.failPending(ErrNotConnected)
	if wasConnected {
		c.logInfo("gateway connection lost, will attempt reconnection")
	}
}

// reconnect re-establishes the connection with exponential backoff. It
// returns false if Close was called first.
func (c *Client) reconnect() bool {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval
	for attempt := 1; ; attempt++ {
		if c.isClosed() {
			return false
		}
		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		conn, err := c.dial(context.Background())
		if err == nil {
			if !c.setConn(conn) {
				return false
			}
			c.reconnectsTotal.Add(1)
			c.touch()
			c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
			return true
		}

		c.logError("reconnect failed", err)
		c.errorsTotal.Add(1)
		select {
		case <-c.done.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxReconnectInterval)
	}
}

// setConn installs a fresh connection. It closes conn and reports false
// if the client was closed meanwhile.
func (c *Client) setConn(conn net.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.isClosed() {
		conn.Close()
		return false
	}
	c.conn = conn
	c.connected = true
	return true
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().Unix())
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close stops the receive loop and closes the connection and the Frames
// channel. Safe to call multiple times.
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	c.failPending(ErrClosed)
	c.closeFrames.Do(func() { close(c.frames) })

	c.logInfo("gateway connection closed")
	return nil
}

// IsConnected reports whether the gateway link is up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// HealthCheck returns ErrNotConnected while the link is down.
func (c *Client) HealthCheck(_ context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	return Stats{
		FramesTx:        c.framesTx.Load(),
		FramesRx:        c.framesRx.Load(),
		FramesDropped:   c.framesDropped.Load(),
		Acks:            c.acks.Load(),
		Naks:            c.naks.Load(),
		AckTimeouts:     c.ackTimeouts.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error) {
	if c.logger != nil {
		c.logger.Error(msg, "error", err)
	}
}
