package mesh

import (
	"fmt"
	"slices"
	"time"
)

// Liveness is a node's short-term reachability.
type Liveness uint8

// Liveness values.
const (
	LivenessUnknown Liveness = iota
	LivenessAlive
	LivenessDead
)

// String implements fmt.Stringer.
func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Liveness) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Stage is a step of the node bring-up interview. Stages are ordered; a
// node's stage only moves forward except for an explicit reset to
// StageIdentify when the node is re-admitted.
type Stage uint8

// Interview stages in order.
const (
	StageIdentify Stage = iota
	StageProtocolInfo
	StageNodeInfo
	StageManufacturerSpecific
	StageVersion
	StageSecurity
	StageAssociations
	StageConfiguration
	StageComplete
	StageFailed
)

var stageNames = [...]string{
	StageIdentify:             "identify",
	StageProtocolInfo:         "protocol_info",
	StageNodeInfo:             "node_info",
	StageManufacturerSpecific: "manufacturer_specific",
	StageVersion:              "version",
	StageSecurity:             "security",
	StageAssociations:         "associations",
	StageConfiguration:        "configuration",
	StageComplete:             "complete",
	StageFailed:               "failed",
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStage converts a stage name such as "node_info" to a Stage.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

// Terminal reports whether the interview has ended.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// next returns the stage that follows s in a successful interview.
func (s Stage) next() Stage {
	if s >= StageComplete {
		return s
	}
	return s + 1
}

// requiresAwake reports whether the stage exchanges frames with the node
// itself, which a sleeping node can only do right after it wakes up.
func (s Stage) requiresAwake() bool {
	return s >= StageNodeInfo && s < StageComplete
}

// FailureReason explains a StageFailed node.
type FailureReason string

// Failure reasons.
const (
	FailureNone             FailureReason = ""
	FailureTimeoutExhausted FailureReason = "timeout_exhausted"
	FailureNotPresent       FailureReason = "not_present"
	FailureAborted          FailureReason = "aborted"
)

// DeviceClass is the protocol-level device classification.
type DeviceClass struct {
	Basic    uint8 `json:"basic"`
	Generic  uint8 `json:"generic"`
	Specific uint8 `json:"specific"`
}

// ManufacturerInfo identifies the product.
type ManufacturerInfo struct {
	ManufacturerID uint16 `json:"manufacturer_id"`
	ProductType    uint16 `json:"product_type"`
	ProductID      uint16 `json:"product_id"`
}

// VersionInfo holds firmware versions reported by the node.
type VersionInfo struct {
	Library     uint8  `json:"library"`
	Protocol    string `json:"protocol"`
	Application string `json:"application"`
}

// NodeInfo is the descriptive data gathered by the interview.
type NodeInfo struct {
	Listening         bool              `json:"is_listening"`
	Controller        bool              `json:"is_controller"`
	DeviceClass       DeviceClass       `json:"device_class"`
	CommandClasses    []CommandClass    `json:"supported_command_classes"`
	SecureClasses     []CommandClass    `json:"secure_command_classes,omitempty"`
	Manufacturer      *ManufacturerInfo `json:"manufacturer,omitempty"`
	Version           *VersionInfo      `json:"version,omitempty"`
	AssociationGroups uint8             `json:"association_groups"`
	Configuration     map[uint8]int32   `json:"configuration,omitempty"`
}

func (i NodeInfo) clone() NodeInfo {
	out := i
	out.CommandClasses = slices.Clone(i.CommandClasses)
	out.SecureClasses = slices.Clone(i.SecureClasses)
	if i.Manufacturer != nil {
		m := *i.Manufacturer
		out.Manufacturer = &m
	}
	if i.Version != nil {
		v := *i.Version
		out.Version = &v
	}
	if i.Configuration != nil {
		out.Configuration = make(map[uint8]int32, len(i.Configuration))
		for k, v := range i.Configuration {
			out.Configuration[k] = v
		}
	}
	return out
}

// NodeView is an immutable snapshot of a node record. Callers may keep it
// indefinitely; later mutations produce new views.
type NodeView struct {
	ID            NodeID        `json:"node_id"`
	Liveness      Liveness      `json:"liveness"`
	Stage         Stage         `json:"init_stage"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	NodeInfo
	PendingPoll *time.Time `json:"pending_poll,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Supports reports whether the node advertised class c.
func (v NodeView) Supports(c CommandClass) bool {
	return slices.Contains(v.CommandClasses, c)
}

// Clone returns a deep copy of v.
func (v NodeView) Clone() NodeView {
	out := v
	out.NodeInfo = v.NodeInfo.clone()
	if v.PendingPoll != nil {
		p := *v.PendingPoll
		out.PendingPoll = &p
	}
	return out
}
