package mqtt

import "fmt"

// Topic layout for the mesh controller. Every topic uses the flat Gray
// Logic scheme graylogic/{category}/mesh/{...}, so the controller sits on
// the bus like any other protocol bridge.
const (
	// TopicPrefix is the root of every Gray Logic topic.
	TopicPrefix = "graylogic"

	// Protocol is the protocol segment used by the mesh controller.
	Protocol = "mesh"
)

// Topics provides builders for the mesh controller's MQTT topics.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.NodeState(12)
//	// Returns: "graylogic/state/mesh/node/12"
type Topics struct{}

// =============================================================================
// State Topics (retained)
// =============================================================================

// NodeState returns the retained state topic of a node.
//
// Example: graylogic/state/mesh/node/12
func (Topics) NodeState(nodeID uint16) string {
	return fmt.Sprintf("%s/state/%s/node/%d", TopicPrefix, Protocol, nodeID)
}

// NodeGroup returns the retained membership topic of one association group.
//
// Example: graylogic/state/mesh/node/12/group/1
func (Topics) NodeGroup(nodeID uint16, group uint8) string {
	return fmt.Sprintf("%s/state/%s/node/%d/group/%d", TopicPrefix, Protocol, nodeID, group)
}

// NetworkState returns the retained network readiness topic.
//
// Example: graylogic/state/mesh/network
func (Topics) NetworkState() string {
	return fmt.Sprintf("%s/state/%s/network", TopicPrefix, Protocol)
}

// =============================================================================
// Event Topics
// =============================================================================

// Event returns the topic for one lifecycle event kind.
//
// Example: graylogic/event/mesh/node_liveness_changed
func (Topics) Event(kind string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, Protocol, kind)
}

// Report returns the topic for application reports from a node.
//
// Example: graylogic/report/mesh/12/0x25
func (Topics) Report(nodeID uint16, commandClass uint16) string {
	return fmt.Sprintf("%s/report/%s/%d/0x%02x", TopicPrefix, Protocol, nodeID, commandClass)
}

// =============================================================================
// Command / Request Topics
// =============================================================================

// Command returns the topic a command targets. Commands that address the
// network rather than a node use "network" as the target.
//
// Example: graylogic/command/mesh/network
func (Topics) Command(target string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, target)
}

// Ack returns the topic for the acknowledgement of a command.
//
// Example: graylogic/ack/mesh/cmd-abc123
func (Topics) Ack(commandID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, commandID)
}

// Request returns the topic for a request.
//
// Example: graylogic/request/mesh/req-abc123
func (Topics) Request(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, requestID)
}

// Response returns the topic for the answer to a request.
//
// Example: graylogic/response/mesh/req-abc123
func (Topics) Response(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// Health returns the retained health topic, also used for the LWT.
//
// Example: graylogic/health/mesh
func (Topics) Health() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllCommands matches every command addressed to the mesh controller.
//
// Pattern: graylogic/command/mesh/#
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}

// AllRequests matches every request addressed to the mesh controller.
//
// Pattern: graylogic/request/mesh/+
func (Topics) AllRequests() string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefix, Protocol)
}

// AllEvents matches every lifecycle event.
//
// Pattern: graylogic/event/mesh/+
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/%s/+", TopicPrefix, Protocol)
}

// AllNodeStates matches every retained node state.
//
// Pattern: graylogic/state/mesh/node/+
func (Topics) AllNodeStates() string {
	return fmt.Sprintf("%s/state/%s/node/+", TopicPrefix, Protocol)
}
