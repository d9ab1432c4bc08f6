package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/meshgw"
)

// MQTT message types exchanged between the device-framework layer and the
// mesh bridge.

// Command names accepted on graylogic/command/mesh/#.
const (
	CommandInclude       = "include"
	CommandExclude       = "exclude"
	CommandCancelInclude = "cancel_include"
	CommandCancelExclude = "cancel_exclude"
	CommandPoll          = "poll"
	CommandSend          = "send"
	CommandInterview     = "interview"
)

// Request actions accepted on graylogic/request/mesh/{request_id}.
const (
	ActionSnapshot = "snapshot"
	ActionNetwork  = "network"
)

// CommandMessage asks the controller to do something.
// Topic: graylogic/command/mesh/{target}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Command is one of the Command* names.
	Command string `json:"command"`

	// NodeID is the target node for poll, send, and interview.
	NodeID uint16 `json:"node_id,omitempty"`

	// CommandClass and Payload form the application frame for send.
	// Payload is hex encoded.
	CommandClass uint16 `json:"command_class,omitempty"`
	Payload      string `json:"payload,omitempty"`

	// Source indicates where the command originated ("api", "automation").
	Source string `json:"source,omitempty"`
}

// decodePayload returns the raw bytes of a hex payload.
func (m CommandMessage) decodePayload() ([]byte, error) {
	s := strings.TrimPrefix(strings.ReplaceAll(m.Payload, " ", ""), "0x")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return b, nil
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the controller accepted the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the gateway did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: graylogic/ack/mesh/{command_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	NodeID    uint16    `json:"node_id,omitempty"`
	Status    AckStatus `json:"status"`

	// Session is set when include or exclude opened a session.
	Session *mesh.Session `json:"session,omitempty"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNodeNotFound      = "NODE_NOT_FOUND"
	ErrCodeSessionActive     = "SESSION_ACTIVE"
	ErrCodeNoActiveSession   = "NO_ACTIVE_SESSION"
	ErrCodeGatewayError      = "GATEWAY_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotRunning        = "NOT_RUNNING"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// errorCode maps a controller error onto an ack status and error code.
func errorCode(err error) (AckStatus, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, meshgw.ErrNoAck):
		return AckTimeout, ErrCodeTimeout
	case errors.Is(err, ErrUnknownCommand):
		return AckFailed, ErrCodeInvalidCommand
	case errors.Is(err, mesh.ErrInvalidNodeID), errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrMissingNodeID):
		return AckFailed, ErrCodeInvalidParameters
	case errors.Is(err, mesh.ErrNodeNotFound):
		return AckFailed, ErrCodeNodeNotFound
	case errors.Is(err, mesh.ErrSessionAlreadyActive):
		return AckFailed, ErrCodeSessionActive
	case errors.Is(err, mesh.ErrNoActiveSession):
		return AckFailed, ErrCodeNoActiveSession
	case errors.Is(err, mesh.ErrNotRunning):
		return AckFailed, ErrCodeNotRunning
	case errors.Is(err, mesh.ErrChannel):
		return AckFailed, ErrCodeGatewayError
	default:
		return AckFailed, ErrCodeBridgeError
	}
}

// newAck creates an acknowledgment for cmd. A nil err yields AckAccepted.
func newAck(cmd CommandMessage, err error, now time.Time) AckMessage {
	ack := AckMessage{
		CommandID: cmd.ID,
		Timestamp: now.UTC(),
		Command:   cmd.Command,
		NodeID:    cmd.NodeID,
		Status:    AckAccepted,
	}
	if err != nil {
		status, code := errorCode(err)
		ack.Status = status
		ack.Error = &AckError{Code: code, Message: err.Error()}
	}
	return ack
}

// EventMessage wraps a lifecycle event.
// Topic: graylogic/event/mesh/{kind}
type EventMessage struct {
	Kind      mesh.EventKind `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Event     mesh.Event     `json:"event"`
}

// NodeStateMessage is the retained state of one node.
// Topic: graylogic/state/mesh/node/{id}
// QoS: 1, Retained: Yes
type NodeStateMessage struct {
	Timestamp time.Time            `json:"timestamp"`
	Node      mesh.NodeView        `json:"node"`
	Health    *mesh.LivenessStatus `json:"health,omitempty"`
}

// GroupStateMessage is the retained member list of one association group.
// Topic: graylogic/state/mesh/node/{id}/group/{g}
// QoS: 1, Retained: Yes
type GroupStateMessage struct {
	Timestamp  time.Time     `json:"timestamp"`
	OwnerID    mesh.NodeID   `json:"owner_id"`
	GroupIndex uint8         `json:"group_index"`
	Members    []mesh.NodeID `json:"members"`
}

// NetworkStateMessage is the retained network summary.
// Topic: graylogic/state/mesh/network
// QoS: 1, Retained: Yes
type NetworkStateMessage struct {
	Timestamp time.Time     `json:"timestamp"`
	Ready     bool          `json:"ready"`
	Nodes     int           `json:"nodes"`
	Inclusion *mesh.Session `json:"inclusion"`
}

// ReportMessage carries an application frame from a node.
// Topic: graylogic/report/mesh/{id}/{class}
type ReportMessage struct {
	Timestamp    time.Time   `json:"timestamp"`
	NodeID       mesh.NodeID `json:"node_id"`
	CommandClass uint16      `json:"command_class"`
	Payload      string      `json:"payload"`
}

// RequestMessage asks for a snapshot.
// Topic: graylogic/request/mesh/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is ActionSnapshot or ActionNetwork.
	Action string `json:"action"`

	// NodeID selects the node for ActionSnapshot.
	NodeID uint16 `json:"node_id,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/mesh/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthStatus represents the bridge health state.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge health.
// Topic: graylogic/health/mesh
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	NodesManaged  int               `json:"nodes_managed"`
	NetworkReady  bool              `json:"network_ready"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the gateway link.
type ConnectionStatus struct {
	Status       string     `json:"status"`
	Address      string     `json:"address,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	Reconnects   uint64     `json:"reconnects"`
}

// BridgeStatistics combines gateway and bridge counters.
type BridgeStatistics struct {
	FramesReceived  uint64 `json:"frames_received"`
	FramesSent      uint64 `json:"frames_sent"`
	FramesDropped   uint64 `json:"frames_dropped"`
	AckTimeouts     uint64 `json:"ack_timeouts"`
	Errors          uint64 `json:"errors"`
	EventsPublished uint64 `json:"events_published"`
	EventsDropped   uint64 `json:"events_dropped"`
	CommandsHandled uint64 `json:"commands_handled"`
	CommandsFailed  uint64 `json:"commands_failed"`
}
