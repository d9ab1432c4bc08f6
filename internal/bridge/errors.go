package bridge

import "errors"

// Domain errors for the MQTT bridge.
var (
	// ErrUnknownCommand is returned for a command name the bridge does not handle.
	ErrUnknownCommand = errors.New("bridge: unknown command")

	// ErrUnknownAction is returned for a request action the bridge does not handle.
	ErrUnknownAction = errors.New("bridge: unknown request action")

	// ErrInvalidPayload is returned when a command payload is not valid hex.
	ErrInvalidPayload = errors.New("bridge: invalid payload")

	// ErrMissingNodeID is returned when a command needs a node id and has none.
	ErrMissingNodeID = errors.New("bridge: node_id required")

	// ErrAlreadyStarted is returned by Start on a running bridge.
	ErrAlreadyStarted = errors.New("bridge: already started")
)
