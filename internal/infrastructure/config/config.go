package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the controller configuration: defaults, then the YAML file,
// then GRAYLOGIC_* environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Mesh      MeshConfig      `yaml:"mesh"`
}

// SiteConfig identifies the installation. The site id is attached to every
// log record.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds paho's reconnect backoff, in seconds. Paho
// retries forever.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig is used when logging.output is "file".
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// MeshConfig contains the mesh controller settings.
type MeshConfig struct {
	Gateway   MeshGatewayConfig   `yaml:"gateway"`
	Init      MeshInitConfig      `yaml:"init"`
	Inclusion MeshInclusionConfig `yaml:"inclusion"`
	Liveness  MeshLivenessConfig  `yaml:"liveness"`
	Polling   MeshPollingConfig   `yaml:"polling"`
	Audit     MeshAuditConfig     `yaml:"audit"`

	// ConfigurationParameters lists the parameters read during the
	// configuration stage, keyed by product.
	ConfigurationParameters []MeshParameterSet `yaml:"configuration_parameters"`
}

// MeshGatewayConfig describes the connection to the radio gateway.
type MeshGatewayConfig struct {
	// Connection is "tcp://host:port" or "unix:///path".
	Connection           string `yaml:"connection"`
	ConnectTimeout       int    `yaml:"connect_timeout"`
	AckTimeoutMS         int    `yaml:"ack_timeout_ms"`
	ReconnectInterval    int    `yaml:"reconnect_interval"`
	MaxReconnectInterval int    `yaml:"max_reconnect_interval"`
}

// MeshInitConfig contains the node interview policy.
type MeshInitConfig struct {
	MaxConcurrent int                        `yaml:"max_concurrent"`
	Retries       int                        `yaml:"retries"`
	BackoffBaseMS int                        `yaml:"backoff_base_ms"`
	BackoffMaxMS  int                        `yaml:"backoff_max_ms"`
	Stages        map[string]MeshStageConfig `yaml:"stages"`
}

// MeshStageConfig overrides the policy of one interview stage.
type MeshStageConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
	Retries   int `yaml:"retries"`
}

// MeshInclusionConfig contains inclusion session settings.
type MeshInclusionConfig struct {
	SessionTimeout int `yaml:"session_timeout"`
}

// MeshLivenessConfig contains dead-node detection settings.
type MeshLivenessConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
}

// MeshPollingConfig contains periodic poll settings. Intervals are seconds.
type MeshPollingConfig struct {
	DefaultInterval int               `yaml:"default_interval"`
	Nodes           []MeshNodePolling `yaml:"nodes"`
}

// MeshAuditConfig contains lifecycle journal settings.
type MeshAuditConfig struct {
	// RetentionDays is how long journal entries are kept; 0 keeps them forever.
	RetentionDays int `yaml:"retention_days"`

	// QueueSize bounds events waiting to be written.
	QueueSize int `yaml:"queue_size"`
}

// MeshNodePolling overrides the poll interval of one node.
type MeshNodePolling struct {
	NodeID   int `yaml:"node_id"`
	Interval int `yaml:"interval"`
}

// MeshParameterSet names the configuration parameters of one product.
type MeshParameterSet struct {
	ManufacturerID int   `yaml:"manufacturer_id"`
	ProductType    int   `yaml:"product_type"`
	ProductID      int   `yaml:"product_id"`
	Parameters     []int `yaml:"parameters"`
}

// Load builds the configuration from path. Unknown keys in the file are
// an error, so a misspelt setting cannot silently fall back to its default.
// An empty file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig matches configs/config.yaml.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{ID: "site-001", Name: "Gray Logic"},
		Database: DatabaseConfig{
			Path:        "./data/graylogic-mesh.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-mesh",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "graylogic",
			Bucket:        "mesh",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Mesh: MeshConfig{
			Gateway: MeshGatewayConfig{
				Connection:           "tcp://localhost:4100",
				ConnectTimeout:       10,
				AckTimeoutMS:         2000,
				ReconnectInterval:    2,
				MaxReconnectInterval: 60,
			},
			Init: MeshInitConfig{
				MaxConcurrent: 4,
				Retries:       3,
				BackoffBaseMS: 500,
				BackoffMaxMS:  8000,
			},
			Inclusion: MeshInclusionConfig{SessionTimeout: 60},
			Liveness:  MeshLivenessConfig{FailureThreshold: 3},
			Audit:     MeshAuditConfig{RetentionDays: 30, QueueSize: 1024},
		},
	}
}

// ReadTimeout returns the HTTP read timeout.
func (a APIConfig) ReadTimeout() time.Duration {
	return time.Duration(a.Timeouts.Read) * time.Second
}

// WriteTimeout returns the HTTP write timeout.
func (a APIConfig) WriteTimeout() time.Duration {
	return time.Duration(a.Timeouts.Write) * time.Second
}

// IdleTimeout returns the HTTP keep-alive idle timeout.
func (a APIConfig) IdleTimeout() time.Duration {
	return time.Duration(a.Timeouts.Idle) * time.Second
}

// SessionTimeout returns the inclusion session timeout as a Duration.
func (m *MeshConfig) SessionTimeout() time.Duration {
	return time.Duration(m.Inclusion.SessionTimeout) * time.Second
}

// DefaultPollInterval returns the periodic poll interval; zero disables it.
func (m *MeshConfig) DefaultPollInterval() time.Duration {
	return time.Duration(m.Polling.DefaultInterval) * time.Second
}

// AuditRetention returns how long journal entries are kept; zero keeps them.
func (m *MeshConfig) AuditRetention() time.Duration {
	return time.Duration(m.Audit.RetentionDays) * 24 * time.Hour
}

// StageTimeout returns a stage's configured timeout, or zero when unset.
func (s MeshStageConfig) StageTimeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// BackoffBase returns the first retry delay.
func (i MeshInitConfig) BackoffBase() time.Duration {
	return time.Duration(i.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry delay cap.
func (i MeshInitConfig) BackoffMax() time.Duration {
	return time.Duration(i.BackoffMaxMS) * time.Millisecond
}

// ConnectTimeoutDuration returns the gateway dial timeout.
func (g MeshGatewayConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(g.ConnectTimeout) * time.Second
}

// AckTimeout returns how long a send waits for the gateway acknowledgement.
func (g MeshGatewayConfig) AckTimeout() time.Duration {
	return time.Duration(g.AckTimeoutMS) * time.Millisecond
}

// ReconnectDelay returns the first reconnect delay.
func (g MeshGatewayConfig) ReconnectDelay() time.Duration {
	return time.Duration(g.ReconnectInterval) * time.Second
}

// MaxReconnectDelay returns the reconnect backoff cap.
func (g MeshGatewayConfig) MaxReconnectDelay() time.Duration {
	return time.Duration(g.MaxReconnectInterval) * time.Second
}
