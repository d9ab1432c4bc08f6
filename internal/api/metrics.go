package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// Health status values.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

// SystemHealth is the /health response.
type SystemHealth struct {
	Status        string          `json:"status"`
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Ready         bool            `json:"ready"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	MQTT          *MQTTMetrics    `json:"mqtt,omitempty"`
	Gateway       *GatewayMetrics `json:"gateway,omitempty"`
	Mesh          mesh.Stats      `json:"mesh"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	EventsDropped    uint64 `json:"events_dropped"`
	FramesDropped    uint64 `json:"frames_dropped"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// GatewayMetrics contains radio gateway link statistics.
type GatewayMetrics struct {
	Connected    bool       `json:"connected"`
	Reconnecting bool       `json:"reconnecting"`
	FramesTx     uint64     `json:"frames_tx"`
	FramesRx     uint64     `json:"frames_rx"`
	AckTimeouts  uint64     `json:"ack_timeouts"`
	Reconnects   uint64     `json:"reconnects"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// handleHealth reports process, link and controller health. A missing
// MQTT or gateway link reports "degraded" but still answers 200 so
// operators can read the details.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	health := SystemHealth{
		Status:        statusOK,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Ready:         s.ctrl.Ready(),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			EventsDropped:    s.relay.dropped.Load(),
			FramesDropped:    s.hub.dropped.Load(),
		},
		Mesh: s.ctrl.Stats(),
	}

	if s.mqtt != nil {
		health.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
		if !health.MQTT.Connected {
			health.Status = statusDegraded
		}
	}

	if s.gateway != nil {
		st := s.gateway.Stats()
		health.Gateway = &GatewayMetrics{
			Connected:    st.Connected,
			Reconnecting: st.Reconnecting,
			FramesTx:     st.FramesTx,
			FramesRx:     st.FramesRx,
			AckTimeouts:  st.AckTimeouts,
			Reconnects:   st.ReconnectsTotal,
		}
		if !st.LastActivity.IsZero() {
			last := st.LastActivity
			health.Gateway.LastActivity = &last
		}
		if !st.Connected {
			health.Status = statusDegraded
		}
	}

	writeJSON(w, http.StatusOK, health)
}
