package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/gray-logic-mesh/internal/api"
	"github.com/nerrad567/gray-logic-mesh/internal/audit"
	"github.com/nerrad567/gray-logic-mesh/internal/bridge"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/meshgw"
	"github.com/nerrad567/gray-logic-mesh/internal/telemetry"
	"github.com/nerrad567/gray-logic-mesh/migrations"
)

// shutdown closes components in the reverse of the order they opened.
type shutdown struct {
	steps []shutdownStep
}

type shutdownStep struct {
	name  string
	close func() error
}

func (s *shutdown) push(name string, fn func() error) {
	s.steps = append(s.steps, shutdownStep{name: name, close: fn})
}

func (s *shutdown) unwind(log *logging.Logger) {
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		log.Info("closing " + step.name)
		if err := step.close(); err != nil {
			log.Error("error closing "+step.name, "error", err)
		}
	}
	s.steps = nil
}

// infrastructure holds the external connections.
type infrastructure struct {
	db      *database.DB
	mqtt    *mqtt.Client
	influx  *influxdb.Client // nil when disabled
	gateway *meshgw.Client
}

// openInfrastructure connects to the database, broker, InfluxDB and
// gateway in that order, registering each with sd as it opens.
func openInfrastructure(ctx context.Context, cfg *config.Config, log *logging.Logger, sd *shutdown) (*infrastructure, error) {
	var inf infrastructure
	var err error

	inf.db, err = database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sd.push("database", inf.db.Close)

	if err := inf.db.Migrate(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	schema, err := inf.db.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("database ready", "path", cfg.Database.Path, "schema_version", schema)

	inf.mqtt, err = mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	sd.push("MQTT connection", inf.mqtt.Close)
	inf.mqtt.SetLogger(log)
	inf.mqtt.SetOnConnect(func() { log.Info("MQTT reconnected") })
	inf.mqtt.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", net.JoinHostPort(cfg.MQTT.Broker.Host, strconv.Itoa(cfg.MQTT.Broker.Port)),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	if cfg.InfluxDB.Enabled {
		inf.influx, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		sd.push("InfluxDB connection", inf.influx.Close)
		inf.influx.SetOnError(func(err error) { log.Error("InfluxDB write error", "error", err) })
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	inf.gateway, err = meshgw.Connect(ctx, gatewayConfig(cfg.Mesh.Gateway), log.With("component", "meshgw"))
	if err != nil {
		return nil, fmt.Errorf("connecting to gateway: %w", err)
	}
	sd.push("gateway connection", inf.gateway.Close)
	log.Info("gateway connected", "connection", cfg.Mesh.Gateway.Connection)

	if err := inf.healthCheck(ctx); err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return &inf, nil
}

// healthCheck probes each connection once. The gateway is not probed:
// meshgw.Connect only returns after the handshake.
func (inf *infrastructure) healthCheck(ctx context.Context) error {
	if err := inf.db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := inf.mqtt.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if inf.influx != nil {
		if err := inf.influx.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// services are the components built on top of the infrastructure.
type services struct {
	ctrl     *mesh.Controller
	journal  *audit.Journal
	recorder *telemetry.Recorder
	bridge   *bridge.Bridge
	api      *api.Server
}

func buildServices(cfg *config.Config, meshCfg mesh.Config, inf *infrastructure, log *logging.Logger) (*services, error) {
	ctrl, err := mesh.New(mesh.Options{
		Channel: inf.gateway,
		Config:  meshCfg,
		Logger:  log.With("component", "mesh"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating controller: %w", err)
	}
	bus := ctrl.Bus()
	repo := audit.NewSQLiteRepository(inf.db.DB)

	journal := audit.NewJournal(audit.JournalOptions{
		Repository: repo,
		QueueSize:  cfg.Mesh.Audit.QueueSize,
		Retention:  cfg.Mesh.AuditRetention(),
		Compactor:  inf.db,
		Logger:     log.With("component", "audit"),
	})
	bus.Subscribe(journal.Handle)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recOpts := telemetry.RecorderOptions{
		Metrics: telemetry.NewMetrics(registry, ctrl, inf.gateway),
		Source:  ctrl,
	}
	if inf.influx != nil {
		recOpts.Writer = inf.influx
	}
	recorder := telemetry.NewRecorder(recOpts)
	bus.Subscribe(recorder.Handle)

	br, err := bridge.NewBridge(bridge.BridgeOptions{
		MQTT:           inf.mqtt,
		Controller:     ctrl,
		Events:         bus,
		Gateway:        inf.gateway,
		GatewayAddress: cfg.Mesh.Gateway.Connection,
		BridgeID:       bridge.DefaultBridgeID,
		Version:        version,
		Logger:         log.With("component", "bridge"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating MQTT bridge: %w", err)
	}

	srv, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log.With("component", "api"),
		Controller: ctrl,
		Events:     bus,
		Journal:    repo,
		Gatherer:   registry,
		Gateway:    inf.gateway,
		MQTT:       inf.mqtt,
		Version:    version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}

	return &services{ctrl: ctrl, journal: journal, recorder: recorder, bridge: br, api: srv}, nil
}
