package config

import (
	"errors"
	"fmt"
	"strconv"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "GRAYLOGIC_"

// envOverride binds one environment variable, named without the prefix,
// to the field it sets.
type envOverride struct {
	name string
	set  func(c *Config, v string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*field(c) = n
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("not a boolean: %q", v)
		}
		*field(c) = b
		return nil
	}
}

// envOverrides lists the settings that deployments commonly set from the
// environment, secrets in particular.
var envOverrides = []envOverride{
	{"SITE_ID", str(func(c *Config) *string { return &c.Site.ID })},
	{"DATABASE_PATH", str(func(c *Config) *string { return &c.Database.Path })},

	{"MQTT_HOST", str(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"MQTT_PORT", integer(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"MQTT_CLIENT_ID", str(func(c *Config) *string { return &c.MQTT.Broker.ClientID })},
	{"MQTT_USERNAME", str(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"MQTT_PASSWORD", str(func(c *Config) *string { return &c.MQTT.Auth.Password })},

	{"API_HOST", str(func(c *Config) *string { return &c.API.Host })},
	{"API_PORT", integer(func(c *Config) *int { return &c.API.Port })},

	{"INFLUXDB_ENABLED", boolean(func(c *Config) *bool { return &c.InfluxDB.Enabled })},
	{"INFLUXDB_URL", str(func(c *Config) *string { return &c.InfluxDB.URL })},
	{"INFLUXDB_TOKEN", str(func(c *Config) *string { return &c.InfluxDB.Token })},

	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Logging.Format })},

	{"MESH_GATEWAY", str(func(c *Config) *string { return &c.Mesh.Gateway.Connection })},
}

// applyEnv applies every override that lookup finds. Variables set to an
// empty string are ignored. Malformed values are reported together.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.set(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, o.name, err))
		}
	}
	return errors.Join(errs...)
}
