// Gray Logic Mesh - radio mesh network controller
//
// This is the main entry point for the mesh controller. It connects to the
// radio gateway daemon, interviews and supervises the nodes of the mesh,
// and exposes their lifecycle to the rest of Gray Logic over MQTT and HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
)

// Set at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.date=2026-10-16"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configPathEnv     = "GRAYLOGIC_CONFIG"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the controller and blocks until ctx is cancelled or a
// long-running component fails. It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Mesh", "version", version, "commit", commit, "build_date", date)

	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if log, err = logging.New(cfg.Logging, version); err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	log = log.With("site", cfg.Site.ID)
	log.Info("configuration loaded", "path", path, "level", cfg.Logging.Level)

	// Policy errors surface before any connection is opened.
	meshCfg, err := controllerConfig(cfg.Mesh)
	if err != nil {
		return fmt.Errorf("mesh config: %w", err)
	}

	var sd shutdown
	defer sd.unwind(log)

	inf, err := openInfrastructure(ctx, cfg, log, &sd)
	if err != nil {
		return err
	}
	svc, err := buildServices(cfg, meshCfg, inf, log)
	if err != nil {
		return err
	}
	return serve(ctx, svc, log)
}

// serve runs the long-lived loops, then starts the bridge and API on top
// of them. A start failure cancels the loops before returning.
func serve(ctx context.Context, svc *services, log *logging.Logger) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return svc.ctrl.Run(gctx) })
	g.Go(func() error { return svc.journal.Run(gctx) })
	g.Go(func() error { return svc.recorder.Run(gctx) })

	abort := func(err error) error {
		stop()
		return errors.Join(err, g.Wait())
	}

	if err := svc.bridge.Start(gctx); err != nil {
		return abort(fmt.Errorf("starting MQTT bridge: %w", err))
	}
	defer svc.bridge.Stop()

	if err := svc.api.Start(gctx); err != nil {
		return abort(fmt.Errorf("starting API server: %w", err))
	}
	defer func() {
		if err := svc.api.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
	}()

	log.Info("initialisation complete", "api", svc.api.Addr())

	err := g.Wait()
	if err != nil {
		log.Error("run loop failed", "error", err)
	} else {
		log.Info("shutdown signal received, cleaning up")
	}
	return err
}

// getConfigPath returns $GRAYLOGIC_CONFIG or the default path.
func getConfigPath() string {
	if path := os.Getenv(configPathEnv); path != "" {
		return path
	}
	return defaultConfigPath
}
