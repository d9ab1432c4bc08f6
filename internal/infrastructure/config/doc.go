// Package config loads the mesh controller configuration.
//
// Values come from three layers, later ones winning: built-in defaults,
// the YAML file, and GRAYLOGIC_* environment variables. Unknown YAML keys
// are rejected. Validate reports every problem in one error.
//
// Secrets (GRAYLOGIC_MQTT_PASSWORD, GRAYLOGIC_INFLUXDB_TOKEN) belong in the
// environment rather than the file.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return fmt.Errorf("loading config: %w", err)
//	}
//	gw := cfg.Mesh.Gateway.Connection
package config
