package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/meshgw"
)

// Bridge operation constants.
const (
	// DefaultBridgeID identifies the bridge in health messages.
	DefaultBridgeID = "mesh"

	// DefaultQueueSize bounds events waiting to be published.
	DefaultQueueSize = 1024

	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout bounds a command's round trip through the controller.
	commandTimeout = 10 * time.Second

	// qosAtLeastOnce is used for state, events, acks, and responses.
	qosAtLeastOnce byte = 1
)

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Controller is the subset of *mesh.Controller the bridge drives.
type Controller interface {
	RequestInclude(ctx context.Context) (mesh.Session, error)
	RequestExclude(ctx context.Context) (mesh.Session, error)
	CancelInclude(ctx context.Context) error
	CancelExclude(ctx context.Context) error
	InclusionSession() (mesh.Session, bool)
	RequestPoll(id mesh.NodeID) error
	RequestInterview(ctx context.Context, id mesh.NodeID) error
	RequestNodeSnapshot(id mesh.NodeID) (mesh.NodeView, bool)
	Nodes() []mesh.NodeView
	Groups(id mesh.NodeID) []mesh.Group
	Liveness(id mesh.NodeID) (mesh.LivenessStatus, bool)
	PipelineStats() mesh.PipelineStats
	Ready() bool
	Send(ctx context.Context, id mesh.NodeID, class mesh.CommandClass, payload []byte) error
}

// EventSource is satisfied by *mesh.Bus.
type EventSource interface {
	Subscribe(h mesh.Handler) mesh.SubscriptionID
	Unsubscribe(id mesh.SubscriptionID) bool
}

// Gateway reports the radio gateway link. *meshgw.Client satisfies it.
type Gateway interface {
	IsConnected() bool
	Stats() meshgw.Stats
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Stats holds bridge counters.
type Stats struct {
	EventsPublished uint64 `json:"events_published"`
	EventsDropped   uint64 `json:"events_dropped"`
	CommandsHandled uint64 `json:"commands_handled"`
	CommandsFailed  uint64 `json:"commands_failed"`
	QueueDepth      int    `json:"queue_depth"`
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// MQTT is the broker connection. Required.
	MQTT MQTTClient

	// Controller is the mesh controller. Required.
	Controller Controller

	// Events is the controller's event bus. Required.
	Events EventSource

	// Gateway provides link statistics for health messages. Optional.
	Gateway Gateway

	// GatewayAddress is reported in health messages.
	GatewayAddress string

	// BridgeID and Version identify the bridge in health messages.
	BridgeID string
	Version  string

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration

	// QueueSize bounds events waiting for the publish worker.
	QueueSize int

	Clock  clockwork.Clock
	Logger Logger
}

// Bridge translates between the mesh controller and MQTT.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt   MQTTClient
	ctrl   Controller
	events EventSource
	health *HealthReporter
	clock  clockwork.Clock
	topics mqtt.Topics

	queue chan mesh.Event
	subID mesh.SubscriptionID

	// groupTopics records retained group topics per node so removal can
	// clear them. Only the worker touches it.
	groupTopics map[mesh.NodeID]map[uint8]struct{}

	eventsPublished atomic.Uint64
	eventsDropped   atomic.Uint64
	commandsHandled atomic.Uint64
	commandsFailed  atomic.Uint64

	// Shutdown coordination
	started   atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("event source is required")
	}
	if opts.BridgeID == "" {
		opts.BridgeID = DefaultBridgeID
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	// Bridge-level context cancels in-flight commands on shutdown.
	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		mqtt:        opts.MQTT,
		ctrl:        opts.Controller,
		events:      opts.Events,
		clock:       opts.Clock,
		queue:       make(chan mesh.Event, opts.QueueSize),
		groupTopics: make(map[mesh.NodeID]map[uint8]struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		ctxCancel:   ctxCancel,
		logger:      opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:       opts.BridgeID,
		Version:        opts.Version,
		Interval:       opts.HealthInterval,
		Publisher:      opts.MQTT,
		Gateway:        opts.Gateway,
		GatewayAddress: opts.GatewayAddress,
		Network:        opts.Controller,
		Counters:       b.Stats,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
	})

	return b, nil
}

// Start subscribes to the event bus and the command and request topics,
// publishes the current state of every node, and starts the publish worker
// and health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	// Subscribe before the resync so no event falls between the two.
	b.subID = b.events.Subscribe(b.handleEvent)

	for _, n := range b.ctrl.Nodes() {
		b.publishNodeState(n.ID)
		for _, g := range b.ctrl.Groups(n.ID) {
			b.publishGroup(mesh.AssociationGroupChanged{OwnerID: n.ID, GroupIndex: g.Index, Members: g.Members})
		}
	}
	b.publishNetworkState()

	b.wg.Add(1)
	go b.worker()

	commandTopic := b.topics.AllCommands()
	if err := b.mqtt.Subscribe(commandTopic, qosAtLeastOnce, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := b.topics.AllRequests()
	if err := b.mqtt.Subscribe(requestTopic, qosAtLeastOnce, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.health.Start(ctx)

	b.logInfo("bridge started", "nodes", len(b.ctrl.Nodes()))
	return nil
}

// Stop gracefully shuts down the bridge. Queued events are published
// before Stop returns.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.started.Load() {
			b.events.Unsubscribe(b.subID)
		}
		close(b.done)

		// Cancel bridge context to abort in-flight commands
		b.ctxCancel()

		b.wg.Wait()

		// Publishes the "stopping" status
		b.health.Stop()

		b.logInfo("bridge stopped")
	})
}

// Stats returns current bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		EventsPublished: b.eventsPublished.Load(),
		EventsDropped:   b.eventsDropped.Load(),
		CommandsHandled: b.commandsHandled.Load(),
		CommandsFailed:  b.commandsFailed.Load(),
		QueueDepth:      len(b.queue),
	}
}

// handleEvent runs on the publisher's goroutine and must not block.
func (b *Bridge) handleEvent(e mesh.Event) {
	select {
	case b.queue <- e:
	default:
		b.eventsDropped.Add(1)
		b.logWarn("event queue full, dropping event", "kind", e.Kind(), "node_id", e.Node())
	}
}

// worker performs all event-driven MQTT publishing.
func (b *Bridge) worker() {
	defer b.wg.Done()

	for {
		select {
		case e := <-b.queue:
			b.publishEvent(e)
		case <-b.done:
			for {
				select {
				case e := <-b.queue:
					b.publishEvent(e)
				default:
					return
				}
			}
		}
	}
}

// publishEvent publishes e and refreshes the state topics it affects.
func (b *Bridge) publishEvent(e mesh.Event) {
	b.publishJSON(b.topics.Event(string(e.Kind())), EventMessage{
		Kind:      e.Kind(),
		Timestamp: b.clock.Now().UTC(),
		Event:     e,
	}, false)

	switch ev := e.(type) {
	case mesh.NodeAdded:
		b.publishNodeState(ev.NodeID)
		b.publishNetworkState()
	case mesh.NodeRemoved:
		b.clearNode(ev.NodeID)
		b.publishNetworkState()
	case mesh.NodeLivenessChanged:
		b.publishNodeState(ev.NodeID)
	case mesh.NodeInitStageChanged:
		b.publishNodeState(ev.NodeID)
	case mesh.AssociationGroupChanged:
		b.publishGroup(ev)
	case mesh.InclusionPhaseChanged, mesh.NetworkReadyChanged:
		b.publishNetworkState()
	case mesh.NodeReport:
		b.publishReport(ev)
	}

	b.eventsPublished.Add(1)
}

// publishNodeState publishes the retained state of a node. A node that was
// removed before the worker got here is skipped; its removal clears the topic.
func (b *Bridge) publishNodeState(id mesh.NodeID) {
	view, ok := b.ctrl.RequestNodeSnapshot(id)
	if !ok {
		return
	}
	msg := NodeStateMessage{Timestamp: b.clock.Now().UTC(), Node: view}
	if status, ok := b.ctrl.Liveness(id); ok {
		msg.Health = &status
	}
	b.publishJSON(b.topics.NodeState(uint16(id)), msg, true)
}

// clearNode removes every retained topic of a removed node.
func (b *Bridge) clearNode(id mesh.NodeID) {
	b.clearRetained(b.topics.NodeState(uint16(id)))
	for g := range b.groupTopics[id] {
		b.clearRetained(b.topics.NodeGroup(uint16(id), g))
	}
	delete(b.groupTopics, id)
}

func (b *Bridge) publishGroup(ev mesh.AssociationGroupChanged) {
	members := ev.Members
	if members == nil {
		members = []mesh.NodeID{}
	}
	b.publishJSON(b.topics.NodeGroup(uint16(ev.OwnerID), ev.GroupIndex), GroupStateMessage{
		Timestamp:  b.clock.Now().UTC(),
		OwnerID:    ev.OwnerID,
		GroupIndex: ev.GroupIndex,
		Members:    members,
	}, true)

	if b.groupTopics[ev.OwnerID] == nil {
		b.groupTopics[ev.OwnerID] = make(map[uint8]struct{})
	}
	b.groupTopics[ev.OwnerID][ev.GroupIndex] = struct{}{}
}

func (b *Bridge) publishNetworkState() {
	msg := NetworkStateMessage{
		Timestamp: b.clock.Now().UTC(),
		Ready:     b.ctrl.Ready(),
		Nodes:     len(b.ctrl.Nodes()),
	}
	if s, ok := b.ctrl.InclusionSession(); ok {
		msg.Inclusion = &s
	}
	b.publishJSON(b.topics.NetworkState(), msg, true)
}

func (b *Bridge) publishReport(ev mesh.NodeReport) {
	b.publishJSON(b.topics.Report(uint16(ev.NodeID), uint16(ev.CommandClass)), ReportMessage{
		Timestamp:    b.clock.Now().UTC(),
		NodeID:       ev.NodeID,
		CommandClass: uint16(ev.CommandClass),
		Payload:      hex.EncodeToString(ev.Payload),
	}, false)
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, qosAtLeastOnce, retained); err != nil {
		b.logError("failed to publish", err)
	}
}

// clearRetained publishes an empty retained message, which deletes the
// retained message held by the broker.
func (b *Bridge) clearRetained(topic string) {
	if err := b.mqtt.Publish(topic, nil, qosAtLeastOnce, true); err != nil {
		b.logError("failed to clear retained state", err)
	}
}

// handleMQTTMessage routes incoming messages to the appropriate handler.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		return fmt.Errorf("invalid topic format: %s", topic)
	}

	switch parts[1] {
	case "command":
		return b.handleCommand(payload)
	case "request":
		return b.handleRequest(parts[len(parts)-1], payload)
	default:
		return fmt.Errorf("unknown message type: %s", parts[1])
	}
}

// handleCommand executes a command and publishes its acknowledgment.
func (b *Bridge) handleCommand(payload []byte) error {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.commandsFailed.Add(1)
		return fmt.Errorf("parse command: %w", err)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"command", cmd.Command,
		"node_id", cmd.NodeID,
		"source", cmd.Source)

	session, err := b.executeCommand(cmd)
	b.commandsHandled.Add(1)

	ack := newAck(cmd, err, b.clock.Now())
	ack.Session = session
	if err != nil {
		b.commandsFailed.Add(1)
		b.logWarn("command failed", "command_id", cmd.ID, "command", cmd.Command, "error", err)
	}

	b.publishJSON(b.topics.Ack(cmd.ID), ack, false)
	return nil
}

// executeCommand dispatches cmd to the controller.
func (b *Bridge) executeCommand(cmd CommandMessage) (*mesh.Session, error) {
	// Derive timeout from bridge context so commands are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	switch cmd.Command {
	case CommandInclude:
		return sessionOrErr(b.ctrl.RequestInclude(ctx))
	case CommandExclude:
		return sessionOrErr(b.ctrl.RequestExclude(ctx))
	case CommandCancelInclude:
		return nil, b.ctrl.CancelInclude(ctx)
	case CommandCancelExclude:
		return nil, b.ctrl.CancelExclude(ctx)
	case CommandPoll:
		id, err := commandNode(cmd)
		if err != nil {
			return nil, err
		}
		return nil, b.ctrl.RequestPoll(id)
	case CommandInterview:
		id, err := commandNode(cmd)
		if err != nil {
			return nil, err
		}
		return nil, b.ctrl.RequestInterview(ctx, id)
	case CommandSend:
		id, err := commandNode(cmd)
		if err != nil {
			return nil, err
		}
		payload, err := cmd.decodePayload()
		if err != nil {
			return nil, err
		}
		return nil, b.ctrl.Send(ctx, id, mesh.CommandClass(cmd.CommandClass), payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}
}

func sessionOrErr(s mesh.Session, err error) (*mesh.Session, error) {
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func commandNode(cmd CommandMessage) (mesh.NodeID, error) {
	if cmd.NodeID == 0 {
		return 0, ErrMissingNodeID
	}
	id := mesh.NodeID(cmd.NodeID)
	if !id.Valid() {
		return 0, fmt.Errorf("%w: %d", mesh.ErrInvalidNodeID, id)
	}
	return id, nil
}

// handleRequest answers a request on its response topic. topicID is the
// last topic segment, used when the message carries no request id.
func (b *Bridge) handleRequest(topicID string, payload []byte) error {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	if req.RequestID == "" {
		req.RequestID = topicID
	}

	b.logDebug("received request", "request_id", req.RequestID, "action", req.Action)

	data, err := b.answer(req)
	resp := ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: b.clock.Now().UTC(),
		Success:   err == nil,
		Data:      data,
	}
	if err != nil {
		code := ErrCodeInvalidCommand
		if !errors.Is(err, ErrUnknownAction) {
			_, code = errorCode(err)
		}
		resp.Data = nil
		resp.Error = &ResponseError{Code: code, Message: err.Error()}
	}

	b.publishJSON(b.topics.Response(req.RequestID), resp, false)
	return nil
}

func (b *Bridge) answer(req RequestMessage) (map[string]any, error) {
	switch req.Action {
	case ActionSnapshot:
		if req.NodeID == 0 {
			return nil, ErrMissingNodeID
		}
		id := mesh.NodeID(req.NodeID)
		view, ok := b.ctrl.RequestNodeSnapshot(id)
		if !ok {
			return nil, fmt.Errorf("%w: %d", mesh.ErrNodeNotFound, id)
		}
		data := map[string]any{
			"node":   view,
			"groups": b.ctrl.Groups(id),
		}
		if status, ok := b.ctrl.Liveness(id); ok {
			data["liveness"] = status
		}
		return data, nil

	case ActionNetwork:
		data := map[string]any{
			"ready":    b.ctrl.Ready(),
			"nodes":    b.ctrl.Nodes(),
			"pipeline": b.ctrl.PipelineStats(),
		}
		if s, ok := b.ctrl.InclusionSession(); ok {
			data["inclusion"] = s
		}
		return data, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error if logger is set.
func (b *Bridge) logError(msg string, err error) {
	if b.logger != nil {
		b.logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, keysAndValues...)
	}
}
