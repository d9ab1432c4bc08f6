// This package provides:
//   - REST endpoints for node inspection, polls, interviews and direct sends
//   - Inclusion and exclusion session control
//   - The lifecycle journal query endpoint
//   - WebSocket hub streaming controller events
//   - Prometheus scrape endpoint at /metrics
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The API server sits beside the MQTT bridge as a second front door to the
// controller. Handlers call the controller directly; events reach WebSocket
// clients through a bounded relay queue fed by the controller's event bus,
// so a slow client never stalls the core.
//
// # Error Responses
//
// Errors use {"error": {"code": ..., "message": ...}}. Controller errors map
// to statuses: invalid node id 400, unknown node 404, session conflicts 409,
// controller not running 503, gateway failures 502, timeouts 504.
//
// # Graceful Degradation
//
// The server operates without MQTT, InfluxDB or the journal. Missing links
// are reported as "degraded" by /health; the journal endpoint answers 503.
package api
