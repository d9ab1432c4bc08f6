package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/meshgw"
)

// DefaultHealthInterval is how often health is published when unset.
const DefaultHealthInterval = 30 * time.Second

// HealthPublisher publishes health messages; *mqtt.Client satisfies it.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// NetworkStatus reports the controller's view of the network.
type NetworkStatus interface {
	Ready() bool
	Nodes() []mesh.NodeView
}

// HealthReporterConfig configures a HealthReporter. Only Publisher is
// needed for anything to be sent.
type HealthReporterConfig struct {
	BridgeID       string
	Version        string
	Interval       time.Duration // DefaultHealthInterval when zero
	Publisher      HealthPublisher
	Gateway        Gateway
	GatewayAddress string
	Network        NetworkStatus
	Counters       func() Stats
	Clock          clockwork.Clock
	Logger         Logger
}

// HealthReporter publishes a retained HealthMessage on start, on every
// interval and once more when stopped.
type HealthReporter struct {
	cfg     HealthReporterConfig
	started time.Time

	quit     chan struct{}
	quitOnce sync.Once
	loop     sync.WaitGroup
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &HealthReporter{cfg: cfg, started: cfg.Clock.Now(), quit: make(chan struct{})}
}

// Start publishes the current health and then repeats every interval
// until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.loop.Add(1)
	go func() {
		defer h.loop.Done()

		timer := h.cfg.Clock.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.quit:
				return
			case <-timer.Chan():
				h.report(h.PublishNow(), "failed to publish health")
				timer.Reset(h.cfg.Interval)
			}
		}
	}()
}

// Stop ends the reporting loop and publishes a final "stopping" status.
// Later calls do nothing.
func (h *HealthReporter) Stop() {
	h.quitOnce.Do(func() {
		close(h.quit)
		h.loop.Wait()
		h.report(h.publish(HealthStopping, "bridge stopping"), "failed to publish stopping status")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow publishes the current status.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.assess()
	return h.publish(status, reason)
}

// assess is degraded while either link is down.
func (h *HealthReporter) assess() (HealthStatus, string) {
	switch {
	case h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected():
		return HealthDegraded, "MQTT disconnected"
	case h.cfg.Gateway == nil || !h.cfg.Gateway.IsConnected():
		return HealthDegraded, "gateway disconnected"
	default:
		return HealthHealthy, ""
	}
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.snapshot(status, reason))
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(mqtt.Topics{}.Health(), payload, qosAtLeastOnce, true)
}

// snapshot assembles a HealthMessage from the gateway, controller and
// bridge counters.
func (h *HealthReporter) snapshot(status HealthStatus, reason string) HealthMessage {
	now := h.cfg.Clock.Now()
	msg := HealthMessage{
		Bridge:        h.cfg.BridgeID,
		Timestamp:     now.UTC(),
		Status:        status,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(now.Sub(h.started) / time.Second),
		Reason:        reason,
		Connection:    &ConnectionStatus{Status: linkDisconnected, Address: h.cfg.GatewayAddress},
		Statistics:    &BridgeStatistics{},
	}

	if h.cfg.Counters != nil {
		c := h.cfg.Counters()
		msg.Statistics.EventsPublished = c.EventsPublished
		msg.Statistics.EventsDropped = c.EventsDropped
		msg.Statistics.CommandsHandled = c.CommandsHandled
		msg.Statistics.CommandsFailed = c.CommandsFailed
	}
	if h.cfg.Network != nil {
		msg.NodesManaged = len(h.cfg.Network.Nodes())
		msg.NetworkReady = h.cfg.Network.Ready()
	}
	if h.cfg.Gateway != nil {
		fillGatewayStats(&msg, h.cfg.Gateway.Stats())
	}
	return msg
}

// Gateway link states in ConnectionStatus.Status.
const (
	linkConnected    = "connected"
	linkReconnecting = "reconnecting"
	linkDisconnected = "disconnected"
)

func fillGatewayStats(msg *HealthMessage, gw meshgw.Stats) {
	conn := msg.Connection
	conn.Reconnects = gw.ReconnectsTotal
	switch {
	case gw.Connected:
		conn.Status = linkConnected
	case gw.Reconnecting:
		conn.Status = linkReconnecting
	}
	if gw.LastActivity.Unix() > 0 {
		last := gw.LastActivity.UTC()
		conn.LastActivity = &last
	}

	st := msg.Statistics
	st.FramesReceived = gw.FramesRx
	st.FramesSent = gw.FramesTx
	st.FramesDropped = gw.FramesDropped
	st.AckTimeouts = gw.AckTimeouts
	st.Errors = gw.ErrorsTotal
}

func (h *HealthReporter) report(err error, msg string) {
	if err != nil && h.cfg.Logger != nil {
		h.cfg.Logger.Error(msg, "error", err)
	}
}
