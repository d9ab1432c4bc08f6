package mesh

import "slices"

// EventKind names an event variant. It doubles as the MQTT topic segment
// and the audit journal kind.
type EventKind string

// Event kinds.
const (
	KindNodeAdded               EventKind = "node_added"
	KindNodeRemoved             EventKind = "node_removed"
	KindNodeLivenessChanged     EventKind = "node_liveness_changed"
	KindNodeInitStageChanged    EventKind = "node_init_stage_changed"
	KindInclusionPhaseChanged   EventKind = "inclusion_phase_changed"
	KindNetworkReadyChanged     EventKind = "network_ready_changed"
	KindAssociationGroupChanged EventKind = "association_group_changed"
	KindNodeReport              EventKind = "node_report"
)

// Event is a lifecycle event. Subscribers switch on the concrete type.
type Event interface {
	Kind() EventKind
	// Node is the node the event concerns, or BroadcastNodeID for
	// controller-scope events.
	Node() NodeID
}

// NodeAdded is published when a node record is created.
type NodeAdded struct {
	NodeID NodeID `json:"node_id"`
}

// NodeRemoved is published after a node record and its groups are deleted.
type NodeRemoved struct {
	NodeID NodeID `json:"node_id"`
}

// NodeLivenessChanged is published when a node flips Alive or Dead.
type NodeLivenessChanged struct {
	NodeID   NodeID   `json:"node_id"`
	Liveness Liveness `json:"liveness"`
}

// NodeInitStageChanged is published for every interview stage transition,
// including the reset to StageIdentify on re-admission.
type NodeInitStageChanged struct {
	NodeID NodeID        `json:"node_id"`
	Stage  Stage         `json:"stage"`
	Reason FailureReason `json:"reason,omitempty"`
}

// InclusionPhaseChanged is published for every inclusion or exclusion
// session transition. NodeID is zero until the session has found a node.
type InclusionPhaseChanged struct {
	SessionID   string         `json:"session_id"`
	SessionKind InclusionKind  `json:"kind"`
	Phase       InclusionPhase `json:"phase"`
	NodeID      NodeID         `json:"node_id,omitempty"`
}

// NetworkReadyChanged is published when network readiness flips.
type NetworkReadyChanged struct {
	Ready bool `json:"ready"`
}

// AssociationGroupChanged is published once per committed group change.
type AssociationGroupChanged struct {
	OwnerID    NodeID   `json:"owner_id"`
	GroupIndex uint8    `json:"group_index"`
	Members    []NodeID `json:"members"`
}

// NodeReport carries an inbound application frame that the lifecycle
// machinery did not consume. The payload is opaque to the controller.
type NodeReport struct {
	NodeID       NodeID       `json:"node_id"`
	CommandClass CommandClass `json:"command_class"`
	Payload      []byte       `json:"payload"`
}

func (NodeAdded) Kind() EventKind               { return KindNodeAdded }
func (NodeRemoved) Kind() EventKind             { return KindNodeRemoved }
func (NodeLivenessChanged) Kind() EventKind     { return KindNodeLivenessChanged }
func (NodeInitStageChanged) Kind() EventKind    { return KindNodeInitStageChanged }
func (InclusionPhaseChanged) Kind() EventKind   { return KindInclusionPhaseChanged }
func (NetworkReadyChanged) Kind() EventKind     { return KindNetworkReadyChanged }
func (AssociationGroupChanged) Kind() EventKind { return KindAssociationGroupChanged }
func (NodeReport) Kind() EventKind              { return KindNodeReport }

func (e NodeAdded) Node() NodeID               { return e.NodeID }
func (e NodeRemoved) Node() NodeID             { return e.NodeID }
func (e NodeLivenessChanged) Node() NodeID     { return e.NodeID }
func (e NodeInitStageChanged) Node() NodeID    { return e.NodeID }
func (InclusionPhaseChanged) Node() NodeID     { return BroadcastNodeID }
func (NetworkReadyChanged) Node() NodeID       { return BroadcastNodeID }
func (e AssociationGroupChanged) Node() NodeID { return e.OwnerID }
func (e NodeReport) Node() NodeID              { return e.NodeID }

func groupChanged(owner NodeID, group uint8, members []NodeID) AssociationGroupChanged {
	return AssociationGroupChanged{OwnerID: owner, GroupIndex: group, Members: slices.Clone(members)}
}
