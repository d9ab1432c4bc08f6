// Package influxdb provides InfluxDB connectivity for mesh telemetry.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched point writes, and health monitoring.
//
// # Measurements
//
//   - mesh_liveness   (tags node_id, liveness; fields alive, consecutive_failures, total_failures)
//   - mesh_init_stage (tags node_id, stage, reason; field stage_index)
//   - mesh_network    (fields ready, nodes, alive, completed, failed)
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteLiveness(influxdb.LivenessSample{NodeID: 12, Alive: true}, time.Now())
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
