// Package mesh implements the Gray Logic mesh-network controller core.
//
// The controller tracks every node of a battery-backed radio mesh, brings
// each one through its bring-up interview, watches its reachability, keeps
// its association groups, and drives network membership changes. It speaks
// to the radio through a FrameChannel and reports to the rest of Gray Logic
// through typed lifecycle events on a Bus.
//
// # Architecture
//
//	┌──────────────┐  events   ┌────────────────────────────────────────┐
//	│ MQTT bridge  │◄──────────┤               Controller               │
//	│ API / audit  │  commands │  Registry · Associations · Liveness    │
//	│  telemetry   ├──────────►│  Pipeline · Inclusion · Poller         │
//	└──────────────┘           └───────────────────┬────────────────────┘
//	                                               │ FrameChannel
//	                                               ▼
//	                                        radio gateway
//
// # Components
//
//   - Registry: the authoritative node set; readers get immutable NodeView snapshots
//   - AssociationManager: per-node group tables with merge-then-swap report assembly
//   - Pipeline: timer-driven interview state machine with bounded concurrency
//   - Coordinator: the single include/exclude session
//   - Liveness: consecutive-failure counting that flips nodes Alive/Dead
//   - Poller: due-time ordered poll queue, one pending poll per node
//   - Controller: frame demultiplexing, serialized writes, network readiness
//
// # Time
//
// Every deadline is computed from an injected clockwork.Clock, so tests step
// retries, session timeouts and polls with a clockwork.FakeClock instead of
// sleeping.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Event handlers run
// synchronously on the publishing goroutine and must not mutate the node
// that produced the event.
package mesh
