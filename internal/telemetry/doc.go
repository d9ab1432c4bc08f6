// Package telemetry turns mesh controller state into Prometheus metrics and
// InfluxDB points.
//
// Prometheus:
//
//	graylogic_mesh_nodes{stage}                      gauge, computed at scrape time
//	graylogic_mesh_nodes_liveness{liveness}          gauge, computed at scrape time
//	graylogic_mesh_network_ready                     gauge, 1 when ready
//	graylogic_mesh_events_total{kind}                counter
//	graylogic_mesh_inclusion_sessions_total{kind,result}  counter
//	graylogic_mesh_gateway_*                         gateway link statistics
//
// InfluxDB (optional): mesh_liveness, mesh_init_stage and mesh_network
// points written by the Recorder from bus events.
//
// Node gauges are read from the controller when Prometheus scrapes, so
// they never drift from the registry. Event counters are incremented on the
// bus goroutine. Point writes need controller snapshots and run on the
// Recorder's own goroutine.
package telemetry
