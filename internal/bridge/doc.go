// Package bridge connects the mesh controller to the Gray Logic MQTT bus.
//
// The bridge is the device-framework layer's view of the mesh. It:
//   - Publishes every lifecycle event to graylogic/event/mesh/{kind}
//   - Keeps retained node, group, and network state topics current
//   - Forwards unconsumed application frames to graylogic/report/mesh/{id}/{class}
//   - Accepts commands on graylogic/command/mesh/# and acknowledges them
//   - Answers snapshot requests on graylogic/request/mesh/{request_id}
//   - Publishes a retained health message on graylogic/health/mesh
//
// Event Flow:
//
//	mesh.Bus ──► handleEvent ──► bounded queue ──► worker ──► MQTT
//
// The bus delivers events synchronously on the controller's goroutines, so
// the bridge only copies each event into a bounded queue. A single worker
// drains the queue and performs all MQTT I/O. When the queue is full the
// event is dropped and counted; the core is never blocked by broker latency.
//
// Command Flow:
//
//	MQTT command ──► handleCommand ──► mesh.Controller ──► ack/mesh/{id}
//
// Thread Safety:
//
// All exported methods are safe for concurrent use.
package bridge
