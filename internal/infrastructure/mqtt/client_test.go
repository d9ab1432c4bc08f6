package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylogic-mesh-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// recordingLogger captures messages by level.
type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// disconnected returns a client that was never connected.
func disconnected() *Client {
	return &Client{clientID: "test", subs: make(map[string]subscription)}
}

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		builder  func() string
		expected string
	}{
		{"NodeState", func() string { return Topics{}.NodeState(12) }, "graylogic/state/mesh/node/12"},
		{"NodeGroup", func() string { return Topics{}.NodeGroup(12, 1) }, "graylogic/state/mesh/node/12/group/1"},
		{"NetworkState", func() string { return Topics{}.NetworkState() }, "graylogic/state/mesh/network"},
		{"Event", func() string { return Topics{}.Event("node_added") }, "graylogic/event/mesh/node_added"},
		{"Report", func() string { return Topics{}.Report(7, 0x25) }, "graylogic/report/mesh/7/0x25"},
		{"ReportWideClass", func() string { return Topics{}.Report(7, 0x0105) }, "graylogic/report/mesh/7/0x105"},
		{"Command", func() string { return Topics{}.Command("network") }, "graylogic/command/mesh/network"},
		{"Ack", func() string { return Topics{}.Ack("cmd-1") }, "graylogic/ack/mesh/cmd-1"},
		{"Request", func() string { return Topics{}.Request("req-1") }, "graylogic/request/mesh/req-1"},
		{"Response", func() string { return Topics{}.Response("req-1") }, "graylogic/response/mesh/req-1"},
		{"Health", func() string { return Topics{}.Health() }, "graylogic/health/mesh"},
		{"AllCommands", func() string { return Topics{}.AllCommands() }, "graylogic/command/mesh/#"},
		{"AllRequests", func() string { return Topics{}.AllRequests() }, "graylogic/request/mesh/+"},
		{"AllEvents", func() string { return Topics{}.AllEvents() }, "graylogic/event/mesh/+"},
		{"AllNodeStates", func() string { return Topics{}.AllNodeStates() }, "graylogic/state/mesh/node/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.builder()
			if result != tt.expected {
				t.Errorf("%s() = %q, want %q", tt.name, result, tt.expected)
			}
		})
	}
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		name   string
		broker config.MQTTBrokerConfig
		want   string
	}{
		{"plain", config.MQTTBrokerConfig{Host: "broker.local", Port: 1883}, "tcp://broker.local:1883"},
		{"tls", config.MQTTBrokerConfig{Host: "broker.local", Port: 8883, TLS: true}, "ssl://broker.local:8883"},
		{"ipv6", config.MQTTBrokerConfig{Host: "::1", Port: 1883}, "tcp://[::1]:1883"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := brokerURL(tt.broker); got != tt.want {
				t.Errorf("brokerURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "mesh", Password: "secret"}

	opts := newClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "graylogic-mesh-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "mesh" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want mesh/secret", opts.Username, opts.Password)
	}
	if !opts.CleanSession || !opts.AutoReconnect || !opts.ConnectRetry {
		t.Error("want clean session with auto reconnect and connect retry")
	}
	if opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 5s", opts.MaxReconnectInterval)
	}
	if opts.TLSConfig != nil && len(opts.TLSConfig.Certificates) > 0 {
		t.Error("plain connection should not carry certificates")
	}
}

func TestNewClientOptions_TLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := newClientOptions(cfg)
	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion == 0 {
		t.Error("TLS config should set a minimum version")
	}
	if opts.Username != "" {
		t.Errorf("Username = %q, want anonymous", opts.Username)
	}
}

func TestNewClientOptions_Will(t *testing.T) {
	opts := newClientOptions(testConfig())

	if !opts.WillEnabled || !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will enabled=%v retained=%v qos=%d, want retained qos 1",
			opts.WillEnabled, opts.WillRetained, opts.WillQos)
	}
	if opts.WillTopic != "graylogic/health/mesh" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}

	var p presence
	if err := json.Unmarshal(opts.WillPayload, &p); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if p.Status != "offline" || p.Reason != reasonUnexpected || p.ClientID != "graylogic-mesh-test" {
		t.Errorf("will payload = %+v", p)
	}
}

// TestOfflinePayload verifies the keys shared with the bridge health message.
func TestOfflinePayload(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 30, 0, 0, time.FixedZone("BST", 3600))

	var got map[string]any
	if err := json.Unmarshal(offlinePayload("ctl", reasonShutdown, now), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	want := map[string]any{
		"bridge":    "mesh",
		"status":    "offline",
		"client_id": "ctl",
		"reason":    "graceful_shutdown",
		"timestamp": "2026-10-16T08:30:00Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestPublish_Validation(t *testing.T) {
	c := disconnected()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", nil, 1, ErrInvalidTopic},
		{"single-level wildcard", "graylogic/state/mesh/node/+", nil, 1, ErrInvalidTopic},
		{"multi-level wildcard", Topics{}.AllCommands(), nil, 1, ErrInvalidTopic},
		{"qos 3", Topics{}.NetworkState(), nil, 3, ErrInvalidQoS},
		{"oversized", Topics{}.NetworkState(), make([]byte, maxPayloadSize+1), 1, ErrPayloadTooLarge},
		{"valid but offline", Topics{}.NodeState(12), []byte(`{}`), 1, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := disconnected()
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe(Topics{}.AllCommands(), 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3 error = %v", err)
	}
	if err := c.Subscribe(Topics{}.AllCommands(), 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := c.Subscribe(Topics{}.AllCommands(), 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("offline error = %v", err)
	}
	if got := c.Subscriptions(); len(got) != 0 {
		t.Errorf("Subscriptions() = %v, want none after failures", got)
	}
}

// TestUnsubscribe_Offline verifies a remembered subscription is dropped
// even while the link is down.
func TestUnsubscribe_Offline(t *testing.T) {
	c := disconnected()
	c.subs[Topics{}.AllRequests()] = subscription{qos: 1, handler: func(string, []byte) error { return nil }}

	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v", err)
	}
	if err := c.Unsubscribe(Topics{}.AllRequests()); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if got := c.Subscriptions(); len(got) != 0 {
		t.Errorf("Subscriptions() = %v, want none", got)
	}
}

func TestHealthCheck(t *testing.T) {
	c := disconnected()

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestClose_NeverConnected(t *testing.T) {
	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
	if err := disconnected().Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestConnectionCallbacks(t *testing.T) {
	c := disconnected()

	var ups int
	var lost error
	c.SetOnConnect(func() { ups++ })
	c.SetOnDisconnect(func(err error) { lost = err })

	c.connectionUp()
	if ups != 1 || !c.connected.Load() {
		t.Errorf("after up: calls=%d connected=%v", ups, c.connected.Load())
	}

	cause := errors.New("keepalive timeout")
	c.connectionDown(cause)
	if lost != cause || c.connected.Load() {
		t.Errorf("after down: err=%v connected=%v", lost, c.connected.Load())
	}
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name      string
		handler   MessageHandler
		wantWarns int
		wantErrs  int
	}{
		{"ok", func(string, []byte) error { return nil }, 0, 0},
		{"error", func(string, []byte) error { return errors.New("bad payload") }, 1, 0},
		{"panic", func(string, []byte) error { panic("boom") }, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := disconnected()
			logger := &recordingLogger{}
			c.SetLogger(logger)

			c.dispatch(tt.handler)(nil, fakeMessage{topic: Topics{}.Command("network"), payload: []byte(`{}`)})

			if len(logger.warns) != tt.wantWarns || len(logger.errors) != tt.wantErrs {
				t.Errorf("warns=%v errors=%v", logger.warns, logger.errors)
			}
		})
	}
}

// TestDispatch_NoLogger verifies a panic is contained without a logger.
func TestDispatch_NoLogger(t *testing.T) {
	var got string
	h := disconnected().dispatch(func(topic string, _ []byte) error {
		got = topic
		panic("boom")
	})
	h(nil, fakeMessage{topic: "graylogic/request/mesh/req-1"})

	if !strings.HasSuffix(got, "req-1") {
		t.Errorf("handler saw topic %q", got)
	}
}

var _ pahomqtt.Message = fakeMessage{}
