package meshgw

import "errors"

// Gateway transport errors.
var (
	// ErrNotConnected is returned when sending while the gateway link is down.
	ErrNotConnected = errors.New("meshgw: not connected")

	// ErrConnectionFailed is returned when the initial connection or
	// handshake fails.
	ErrConnectionFailed = errors.New("meshgw: connection failed")

	// ErrNoAck is returned when the gateway does not acknowledge a frame
	// within the ack timeout.
	ErrNoAck = errors.New("meshgw: no acknowledgement")

	// ErrNak is returned when the gateway refuses a frame, typically
	// because the radio could not deliver it.
	ErrNak = errors.New("meshgw: frame refused")

	// ErrProtocolDesync means the byte stream can no longer be framed.
	// The connection is dropped and re-established.
	ErrProtocolDesync = errors.New("meshgw: protocol desync")

	// ErrFrameTooLarge is returned for frames above the configured maximum.
	ErrFrameTooLarge = errors.New("meshgw: frame too large")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("meshgw: client closed")
)
