package mesh

import "fmt"

// CommandClass identifies a typed message category.
//
// Values below ClassControllerBase are node-level classes carried over the
// air. Values at or above it are functions answered by the gateway
// controller itself and say nothing about the addressed node's reachability.
type CommandClass uint16

// Node-level command classes the controller understands.
const (
	ClassNoOperation          CommandClass = 0x00
	ClassBasic                CommandClass = 0x20
	ClassSwitchBinary         CommandClass = 0x25
	ClassSwitchMultilevel     CommandClass = 0x26
	ClassSensorMultilevel     CommandClass = 0x31
	ClassConfiguration        CommandClass = 0x70
	ClassManufacturerSpecific CommandClass = 0x72
	ClassWakeUp               CommandClass = 0x84
	ClassAssociation          CommandClass = 0x85
	ClassVersion              CommandClass = 0x86
	ClassSecurity             CommandClass = 0x98
)

// Controller-scoped functions.
const (
	ClassControllerBase CommandClass = 0x0100

	ClassIdentify     CommandClass = 0x0100
	ClassProtocolInfo CommandClass = 0x0101
	ClassNodeInfo     CommandClass = 0x0102
	ClassAddNode      CommandClass = 0x0103
	ClassRemoveNode   CommandClass = 0x0104
	ClassNodeList     CommandClass = 0x0105
)

// Command identifiers (first payload byte) for node-level classes.
const (
	cmdBasicGet = 0x02

	cmdSwitchGet = 0x02

	cmdSensorMultilevelGet = 0x04

	cmdConfigurationGet    = 0x05
	cmdConfigurationReport = 0x06

	cmdManufacturerGet    = 0x04
	cmdManufacturerReport = 0x05

	cmdWakeUpNotification      = 0x07
	cmdWakeUpNoMoreInformation = 0x08

	cmdAssociationGet             = 0x02
	cmdAssociationReport          = 0x03
	cmdAssociationGroupingsGet    = 0x05
	cmdAssociationGroupingsReport = 0x06

	cmdVersionGet    = 0x11
	cmdVersionReport = 0x12

	cmdSecuritySupportedGet    = 0x02
	cmdSecuritySupportedReport = 0x03
)

// Membership function payloads (ClassAddNode / ClassRemoveNode).
const (
	membershipStart byte = 0x01
	membershipStop  byte = 0x05
)

// Membership status reports from the gateway controller.
const (
	membershipStatusReady           byte = 0x01
	membershipStatusSlaveFound      byte = 0x03
	membershipStatusControllerFound byte = 0x04
	membershipStatusDone            byte = 0x06
	membershipStatusFailed          byte = 0x07
)

// listeningCapability is the ProtocolInfo capability bit for always-on nodes.
const listeningCapability = 0x80

var classNames = map[CommandClass]string{
	ClassNoOperation:          "NO_OPERATION",
	ClassBasic:                "BASIC",
	ClassSwitchBinary:         "SWITCH_BINARY",
	ClassSwitchMultilevel:     "SWITCH_MULTILEVEL",
	ClassSensorMultilevel:     "SENSOR_MULTILEVEL",
	ClassConfiguration:        "CONFIGURATION",
	ClassManufacturerSpecific: "MANUFACTURER_SPECIFIC",
	ClassWakeUp:               "WAKE_UP",
	ClassAssociation:          "ASSOCIATION",
	ClassVersion:              "VERSION",
	ClassSecurity:             "SECURITY",
	ClassIdentify:             "IDENTIFY",
	ClassProtocolInfo:         "PROTOCOL_INFO",
	ClassNodeInfo:             "NODE_INFO",
	ClassAddNode:              "ADD_NODE",
	ClassRemoveNode:           "REMOVE_NODE",
	ClassNodeList:             "NODE_LIST",
}

// String implements fmt.Stringer.
func (c CommandClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", uint16(c))
}

// ControllerScoped reports whether the class is answered by the gateway
// controller rather than the addressed node.
func (c CommandClass) ControllerScoped() bool {
	return c >= ClassControllerBase
}

// pollClasses is the preference order for a node's poll request.
var pollClasses = []struct {
	class CommandClass
	get   byte
}{
	{ClassSwitchBinary, cmdSwitchGet},
	{ClassSwitchMultilevel, cmdSwitchGet},
	{ClassSensorMultilevel, cmdSensorMultilevelGet},
	{ClassBasic, cmdBasicGet},
}

// PollFrame builds the state request sent when node is polled.
func PollFrame(node NodeView) Frame {
	for _, pc := range pollClasses {
		if node.Supports(pc.class) {
			return Frame{NodeID: node.ID, CommandClass: pc.class, Payload: []byte{pc.get}}
		}
	}
	return Frame{NodeID: node.ID, CommandClass: ClassNoOperation}
}
