package mesh

import (
	"context"
	"fmt"
)

// NodeID addresses one node in the mesh.
type NodeID uint16

// Node id limits.
const (
	// MinNodeID is the lowest assignable node id.
	MinNodeID NodeID = 1

	// MaxNodeID is the highest id the radio protocol assigns to a node.
	MaxNodeID NodeID = 232

	// BroadcastNodeID tags controller-scope frames and events. It is never
	// assigned to a node.
	BroadcastNodeID NodeID = 255
)

// Valid reports whether id can be assigned to a node.
func (id NodeID) Valid() bool {
	return id >= MinNodeID && id <= MaxNodeID
}

// Frame is one decoded unit of traffic on the FrameChannel.
type Frame struct {
	NodeID       NodeID
	CommandClass CommandClass
	Payload      []byte
}

// Command returns the first payload byte, which node-level command classes
// use as the command identifier.
func (f Frame) Command() (byte, bool) {
	if len(f.Payload) == 0 {
		return 0, false
	}
	return f.Payload[0], true
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	return fmt.Sprintf("Frame{Node:%d, Class:%s, Payload:%X}", f.NodeID, f.CommandClass, f.Payload)
}

// FrameChannel is the transport to the radio gateway.
//
// Send blocks until the gateway acknowledges the frame or fails; it must be
// safe to call while Frames is being drained. Frames delivers inbound frames
// until the channel is closed.
type FrameChannel interface {
	Send(ctx context.Context, f Frame) error
	Frames() <-chan Frame
}
