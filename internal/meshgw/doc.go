// Package meshgw connects the mesh controller to the radio gateway daemon.
//
// The gateway owns the radio and the protocol stack below the frame layer.
// This package speaks its socket protocol and exposes the result as a
// mesh.FrameChannel:
//
//	┌──────────────┐  Send(Frame)   ┌──────────┐  length-prefixed CBOR  ┌─────────┐
//	│ mesh.Control │ ─────────────► │  Client  │ ─────────────────────► │ gateway │
//	│     ler      │ ◄───────────── │          │ ◄───────────────────── │ daemon  │
//	└──────────────┘  Frames()      └──────────┘   ack / nak / inbound  └─────────┘
//
// Every outbound frame carries a sequence number and blocks until the
// gateway acknowledges it, refuses it, or the ack timeout passes. Inbound
// frames are queued on a bounded channel; when the consumer falls behind,
// frames are dropped and counted rather than stalling the socket.
//
// The connection URL selects the transport:
//
//	tcp://localhost:4100
//	unix:///run/meshgw.sock
//
// A lost connection is re-established in the background with exponential
// backoff. Sends during the outage fail fast with ErrNotConnected.
package meshgw
