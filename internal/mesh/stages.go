package mesh

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// stageHandler drives the frames of one interview stage.
//
// request returns the next frame to send, or false when the stage has
// nothing left to ask. response consumes a frame from the node: matched
// reports whether it answers the outstanding request and more whether
// further frames of the same answer are expected.
type stageHandler struct {
	request  func(p *Pipeline, iv *interview) (Frame, bool)
	response func(p *Pipeline, iv *interview, f Frame) (matched, more bool)
}

var stageHandlers = map[Stage]stageHandler{
	StageIdentify:             {identifyRequest, identifyResponse},
	StageProtocolInfo:         {protocolInfoRequest, protocolInfoResponse},
	StageNodeInfo:             {nodeInfoRequest, nodeInfoResponse},
	StageManufacturerSpecific: {manufacturerRequest, manufacturerResponse},
	StageVersion:              {versionRequest, versionResponse},
	StageSecurity:             {securityRequest, securityResponse},
	StageAssociations:         {associationsRequest, associationsResponse},
	StageConfiguration:        {configurationRequest, configurationResponse},
}

// once asks a single question per stage.
func once(iv *interview, f Frame) (Frame, bool) {
	if iv.step > 0 {
		return Frame{}, false
	}
	return f, true
}

func identifyRequest(_ *Pipeline, iv *interview) (Frame, bool) {
	return once(iv, Frame{NodeID: iv.node, CommandClass: ClassIdentify})
}

func identifyResponse(_ *Pipeline, iv *interview, f Frame) (bool, bool) {
	if f.CommandClass != ClassIdentify || len(f.Payload) < 1 {
		return false, false
	}
	if f.Payload[0] == 0 {
		iv.failure = FailureNotPresent
	}
	iv.step++
	return true, false
}

func protocolInfoRequest(_ *Pipeline, iv *interview) (Frame, bool) {
	return once(iv, Frame{NodeID: iv.node, CommandClass: ClassProtocolInfo})
}

// protocolInfoResponse parses [capabilities, security, reserved, basic,
// generic, specific].
func protocolInfoResponse(_ *Pipeline, iv *interview, f Frame) (bool, bool) {
	if f.CommandClass != ClassProtocolInfo || len(f.Payload) < 1 {
		return false, false
	}
	iv.info.Listening = f.Payload[0]&listeningCapability != 0
	if len(f.Payload) >= 6 {
		iv.info.DeviceClass = DeviceClass{Basic: f.Payload[3], Generic: f.Payload[4], Specific: f.Payload[5]}
	}
	iv.step++
	return true, false
}

func nodeInfoRequest(_ *Pipeline, iv *interview) (Frame, bool) {
	return once(iv, Frame{NodeID: iv.node, CommandClass: ClassNodeInfo})
}

// nodeInfoResponse parses [basic, generic, specific, class...].
func nodeInfoResponse(_ *Pipeline, iv *interview, f Frame) (bool, bool) {
	if f.CommandClass != ClassNodeInfo || len(f.Payload) < 3 {
		return false, false
	}
	iv.info.DeviceClass = DeviceClass{Basic: f.Payload[0], Generic: f.Payload[1], Specific: f.Payload[2]}
	classes := make([]CommandClass, 0, len(f.Payload)-3)
	for _, b := range f.Payload[3:] {
		c := CommandClass(b)
		if !slices.Contains(classes, c) {
			classes = append(classes, c)
		}
	}
	iv.info.CommandClasses = classes
	iv.step++
	return true, false
}

// nodeCommand matches a node-level frame by class and command byte.
func nodeCommand(f Frame, class CommandClass, cmd byte, minLen int) bool {
	if f.CommandClass != class || len(f.Payload) < minLen {
		return false
	}
	c, _ := f.Command()
	return c == cmd
}

func (iv *interview) supports(c CommandClass) bool {
	return slices.Contains(iv.info.CommandClasses, c)
}

func manufacturerRequest(_ *Pipeline, iv *interview) (Frame, bool) {
	if !iv.supports(ClassManufacturerSpecific) {
		return Frame{}, false
	}
	return once(iv, Frame{NodeID: iv.node, CommandClass: ClassManufacturerSpecific, Payload: []byte{cmdManufacturerGet}})
}

// manufacturerResponse parses [REPORT, mfg(2), type(2), id(2)].
func manufacturerResponse(_ *Pipeline, iv *interview, f Frame) (bool, bool) {
	if !nodeCommand(f, ClassManufacturerSpecific, cmdManufacturerReport, 7) {
		return false, false
	}
	iv.info.Manufacturer = &ManufacturerInfo{
		ManufacturerID: binary.BigEndian.Uint16(f.Payload[1:3]),
		ProductType:    binary.BigEndian.Uint16(f.Payload[3:5]),
		ProductID:      binary.BigEndian.Uint16(f.Payload[5:7]),
	}
	iv.step++
	return true, false
}

func versionRequest(_ *Pipeline, iv *interview) (Frame, bool) {
	if !iv.supports(ClassVersion) {
		return Frame{}, false
	}
	return once(iv, Frame{NodeID: iv.node, CommandClass: ClassVersion, Payload: []byte{cmdVersionGet}})
}

// versionResponse parses [REPORT, library, proto, proto_sub, app, app_sub].
func versionResponse(_ *Pipeline, iv *interview, f Frame) (bool, bool) {
	if !nodeCommand(f, ClassVersion, cmdVersionReport, 6) {
		return false, false
	}
	iv.info.Version = &VersionInfo{
		Library:     f.Payload[1],
		Protocol:    fmt.Sprintf("%d.%02d", f.Payload[2], f.Payload[3]),
		Application: fmt.Sprintf("%d.%02d", f.Payload[4], f.Payload[5]),
	}
	iv.step++
	return true, false
}

func securityRequest(_ *Pipeline, iv *interview) (Frame, bool) {
	if !iv.supports(ClassSecurity) {
		return Frame{}, false
	}
	return once(iv, Frame{NodeID: iv.node, CommandClass: ClassSecurity, Payload: []byte{cmdSecuritySupportedGet}})
}

// securityResponse parses [REPORT, reports_to_follow, class...], which may
// span several frames.
func securityResponse(_ *Pipeline, iv *interview, f Frame) (bool, bool) {
	if !nodeCommand(f, ClassSecurity, cmdSecuritySupportedReport, 2) {
		return false, false
	}
	for _, b := range f.Payload[2:] {
		c := CommandClass(b)
		if !slices.Contains(iv.info.SecureClasses, c) {
			iv.info.SecureClasses = append(iv.info.SecureClasses, c)
		}
	}
	if f.Payload[1] > 0 {
		return true, true
	}
	iv.step++
	return true, false
}

// Associations stage steps.
const (
	assocStepGroupings = iota
	assocStepGroups
)

func associationsRequest(p *Pipeline, iv *interview) (Frame, bool) {
	if !iv.supports(ClassAssociation) {
		return Frame{}, false
	}
	switch iv.step {
	case assocStepGroupings:
		return Frame{NodeID: iv.node, CommandClass: ClassAssociation, Payload: []byte{cmdAssociationGroupingsGet}}, true
	default:
		if iv.group == 0 || iv.group > iv.info.AssociationGroups {
			return Frame{}, false
		}
		// A resend restarts the report for this group.
		if iv.reporting {
			p.groups.Discard(iv.node, iv.group)
			iv.reporting = false
		}
		return Frame{NodeID: iv.node, CommandClass: ClassAssociation, Payload: []byte{cmdAssociationGet, iv.group}}, true
	}
}

// associationsResponse handles GROUPINGS_REPORT [cmd, count] and
// ASSOCIATION_REPORT [cmd, group, max_nodes, reports_to_follow, node...].
func associationsResponse(p *Pipeline, iv *interview, f Frame) (bool, bool) {
	switch iv.step {
	case assocStepGroupings:
		if !nodeCommand(f, ClassAssociation, cmdAssociationGroupingsReport, 2) {
			return false, false
		}
		iv.info.AssociationGroups = f.Payload[1]
		iv.step = assocStepGroups
		iv.group = 1
		return true, false
	default:
		if !nodeCommand(f, ClassAssociation, cmdAssociationReport, 4) || f.Payload[1] != iv.group {
			return false, false
		}
		if !iv.reporting {
			p.groups.BeginReport(iv.node, iv.group)
			iv.reporting = true
		}
		if err := p.groups.Append(iv.node, iv.group, decodeMembers(f.Payload[4:])); err != nil {
			p.logger.Warn("association report dropped", "node_id", iv.node, "group", iv.group, "error", err)
		}
		if f.Payload[3] > 0 {
			return true, true
		}
		if err := p.groups.Commit(iv.node, iv.group); err != nil {
			p.logger.Warn("association commit failed", "node_id", iv.node, "group", iv.group, "error", err)
		}
		iv.reporting = false
		iv.group++
		return true, false
	}
}

// decodeMembers converts node id bytes, skipping ids that cannot belong to
// a node.
func decodeMembers(b []byte) []NodeID {
	members := make([]NodeID, 0, len(b))
	for _, raw := range b {
		if id := NodeID(raw); id.Valid() {
			members = append(members, id)
		}
	}
	return members
}

func configurationRequest(p *Pipeline, iv *interview) (Frame, bool) {
	if !iv.supports(ClassConfiguration) {
		return Frame{}, false
	}
	if iv.step == 0 && iv.params == nil {
		iv.params = p.cfg.parametersFor(iv.info.Manufacturer)
	}
	if iv.step >= len(iv.params) {
		return Frame{}, false
	}
	return Frame{NodeID: iv.node, CommandClass: ClassConfiguration, Payload: []byte{cmdConfigurationGet, iv.params[iv.step]}}, true
}

// configurationResponse parses [REPORT, param, size, value...] where value
// is a 1, 2 or 4 byte big-endian signed integer.
func configurationResponse(_ *Pipeline, iv *interview, f Frame) (bool, bool) {
	if !nodeCommand(f, ClassConfiguration, cmdConfigurationReport, 4) || iv.step >= len(iv.params) {
		return false, false
	}
	if f.Payload[1] != iv.params[iv.step] {
		return false, false
	}
	size := int(f.Payload[2] & 0x07)
	value := f.Payload[3:]
	if len(value) < size {
		return false, false
	}
	var v int32
	switch size {
	case 1:
		v = int32(int8(value[0]))
	case 2:
		v = int32(int16(binary.BigEndian.Uint16(value)))
	case 4:
		v = int32(binary.BigEndian.Uint32(value))
	default:
		return false, false
	}
	if iv.info.Configuration == nil {
		iv.info.Configuration = make(map[uint8]int32)
	}
	iv.info.Configuration[f.Payload[1]] = v
	iv.step++
	return true, false
}
