package mesh

import (
	"errors"
	"fmt"
)

// Domain errors for the mesh controller.
var (
	// ErrInvalidNodeID is returned for ids outside MinNodeID..MaxNodeID.
	ErrInvalidNodeID = errors.New("mesh: invalid node id")

	// ErrNodeNotFound is returned when an operation names an unknown node.
	ErrNodeNotFound = errors.New("mesh: node not found")

	// ErrStageRegression is returned when a stage change would move a node
	// backwards or out of a terminal stage. The registry is left unchanged.
	ErrStageRegression = errors.New("mesh: stage regression")

	// ErrUnknownStage is returned when a stage name cannot be parsed.
	ErrUnknownStage = errors.New("mesh: unknown stage")

	// ErrStageTimeoutExhausted marks a node whose interview ran out of
	// retries. It is isolated to that node.
	ErrStageTimeoutExhausted = errors.New("mesh: stage timeout exhausted")

	// ErrSessionAlreadyActive is returned when an include or exclude is
	// requested while another session is running.
	ErrSessionAlreadyActive = errors.New("mesh: inclusion session already active")

	// ErrNoActiveSession is returned when cancelling a session that is not
	// running.
	ErrNoActiveSession = errors.New("mesh: no active inclusion session")

	// ErrNoReportInProgress is returned when appending to or committing an
	// association report that was never begun.
	ErrNoReportInProgress = errors.New("mesh: no association report in progress")

	// ErrNotRunning is returned when an operation needs the controller's
	// run loops.
	ErrNotRunning = errors.New("mesh: controller not running")

	// ErrChannel is matched by every ChannelError.
	ErrChannel = errors.New("mesh: frame channel failure")
)

// ChannelError wraps a FrameChannel failure with the frame it concerned.
type ChannelError struct {
	Op           string
	NodeID       NodeID
	CommandClass CommandClass
	Err          error
}

// Error implements error.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("mesh: %s node %d %s: %v", e.Op, e.NodeID, e.CommandClass, e.Err)
}

// Unwrap returns the transport error.
func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrChannel) true for every ChannelError.
func (e *ChannelError) Is(target error) bool {
	return target == ErrChannel
}
