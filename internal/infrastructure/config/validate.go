package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Validate reports every problem in the configuration at once, one per
// line of the returned error.
func (c *Config) Validate() error {
	var p problems

	p.require(c.Site.ID != "", "site.id is required")
	p.require(c.Database.Path != "", "database.path is required")
	p.require(c.Database.BusyTimeout >= 0, "database.busy_timeout must not be negative")

	p.require(c.MQTT.Broker.Host != "", "mqtt.broker.host is required")
	p.require(validPort(c.MQTT.Broker.Port), "mqtt.broker.port must be between 1 and 65535")
	p.require(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	p.require(c.MQTT.Reconnect.MaxDelay >= c.MQTT.Reconnect.InitialDelay,
		"mqtt.reconnect.max_delay must be at least initial_delay")

	p.require(validPort(c.API.Port), "api.port must be between 1 and 65535")
	p.require(!c.API.TLS.Enabled || (c.API.TLS.CertFile != "" && c.API.TLS.KeyFile != ""),
		"api.tls needs cert_file and key_file when enabled")

	p.require(strings.HasPrefix(c.WebSocket.Path, "/"), "websocket.path must start with /")
	p.require(c.WebSocket.PingInterval > 0 && c.WebSocket.PongTimeout > 0,
		"websocket.ping_interval and pong_timeout must be positive")

	if c.InfluxDB.Enabled {
		p.require(c.InfluxDB.URL != "", "influxdb.url is required when influxdb is enabled")
		p.require(c.InfluxDB.Bucket != "", "influxdb.bucket is required when influxdb is enabled")
	}

	c.Logging.validate(&p)
	c.Mesh.validate(&p)

	return p.err()
}

// problems collects validation failures.
type problems []string

func (p *problems) require(ok bool, msg string) {
	if !ok {
		*p = append(*p, msg)
	}
}

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return errors.New("configuration errors:\n  " + strings.Join(p, "\n  "))
}

func validPort(port int) bool { return port >= 1 && port <= 65535 }

func (l LoggingConfig) validate(p *problems) {
	p.require(slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(l.Level)),
		"logging.level must be debug, info, warn or error")
	p.require(slices.Contains([]string{"json", "text"}, strings.ToLower(l.Format)),
		"logging.format must be json or text")
	switch strings.ToLower(l.Output) {
	case "stdout", "stderr":
	case "file":
		p.require(l.File.Path != "", "logging.file.path is required when output is file")
	default:
		p.addf("logging.output %q must be stdout, stderr or file", l.Output)
	}
}

func (m *MeshConfig) validate(p *problems) {
	scheme, _, ok := strings.Cut(m.Gateway.Connection, "://")
	p.require(ok && (scheme == "tcp" || scheme == "unix"),
		"mesh.gateway.connection must be tcp://host:port or unix:///path")
	p.require(m.Gateway.AckTimeoutMS > 0, "mesh.gateway.ack_timeout_ms must be positive")

	p.require(m.Init.MaxConcurrent >= 1, "mesh.init.max_concurrent must be at least 1")
	p.require(m.Init.Retries >= 0, "mesh.init.retries must not be negative")
	p.require(m.Init.BackoffBaseMS >= 0 && m.Init.BackoffMaxMS >= m.Init.BackoffBaseMS,
		"mesh.init.backoff_max_ms must be at least backoff_base_ms")
	for name, s := range m.Init.Stages {
		p.require(s.TimeoutMS >= 0 && s.Retries >= 0, "mesh.init.stages."+name+" must not be negative")
	}

	p.require(m.Inclusion.SessionTimeout >= 1, "mesh.inclusion.session_timeout must be at least 1 second")
	p.require(m.Liveness.FailureThreshold >= 1, "mesh.liveness.failure_threshold must be at least 1")

	p.require(m.Polling.DefaultInterval >= 0, "mesh.polling.default_interval must not be negative")
	for _, n := range m.Polling.Nodes {
		if n.NodeID < 1 || n.NodeID > 232 {
			p.addf("mesh.polling.nodes: node_id %d out of range 1-232", n.NodeID)
		}
		if n.Interval < 1 {
			p.addf("mesh.polling.nodes: node %d interval must be at least 1 second", n.NodeID)
		}
	}

	p.require(m.Audit.RetentionDays >= 0, "mesh.audit.retention_days must not be negative")
	p.require(m.Audit.QueueSize >= 1, "mesh.audit.queue_size must be at least 1")

	for _, set := range m.ConfigurationParameters {
		for _, num := range set.Parameters {
			if num < 0 || num > 255 {
				p.addf("mesh.configuration_parameters: parameter %d out of range 0-255", num)
			}
		}
	}
}
