package main

import (
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/meshgw"
)

// controllerConfig converts the YAML mesh section into controller policy.
func controllerConfig(m config.MeshConfig) (mesh.Config, error) {
	cfg := mesh.DefaultConfig()

	cfg.Pipeline.MaxConcurrent = m.Init.MaxConcurrent
	cfg.Pipeline.Retries = m.Init.Retries
	if base := m.Init.BackoffBase(); base > 0 {
		cfg.Pipeline.BackoffBase = base
	}
	if limit := m.Init.BackoffMax(); limit > 0 {
		cfg.Pipeline.BackoffMax = limit
	}

	if len(m.Init.Stages) > 0 {
		cfg.Pipeline.Stages = make(map[mesh.Stage]mesh.StagePolicy, len(m.Init.Stages))
		for name, sc := range m.Init.Stages {
			stage, err := mesh.ParseStage(name)
			if err != nil {
				return mesh.Config{}, fmt.Errorf("mesh.init.stages: %w", err)
			}
			cfg.Pipeline.Stages[stage] = mesh.StagePolicy{
				Timeout: sc.StageTimeout(),
				Retries: sc.Retries,
			}
		}
	}

	for _, p := range m.ConfigurationParameters {
		set := mesh.ParameterSet{
			Product: mesh.ManufacturerInfo{
				ManufacturerID: uint16(p.ManufacturerID), //nolint:gosec // validated by config.Load
				ProductType:    uint16(p.ProductType),    //nolint:gosec // validated by config.Load
				ProductID:      uint16(p.ProductID),      //nolint:gosec // validated by config.Load
			},
			Parameters: make([]uint8, 0, len(p.Parameters)),
		}
		for _, num := range p.Parameters {
			set.Parameters = append(set.Parameters, uint8(num)) //nolint:gosec // range checked by config.Load
		}
		cfg.Pipeline.Parameters = append(cfg.Pipeline.Parameters, set)
	}

	cfg.SessionTimeout = m.SessionTimeout()
	cfg.FailureThreshold = m.Liveness.FailureThreshold
	cfg.DefaultPollInterval = m.DefaultPollInterval()

	if len(m.Polling.Nodes) > 0 {
		cfg.PollIntervals = make(map[mesh.NodeID]time.Duration, len(m.Polling.Nodes))
		for _, n := range m.Polling.Nodes {
			id := mesh.NodeID(n.NodeID) //nolint:gosec // range checked by config.Load
			if !id.Valid() {
				return mesh.Config{}, fmt.Errorf("mesh.polling.nodes: %w: %d", mesh.ErrInvalidNodeID, n.NodeID)
			}
			cfg.PollIntervals[id] = time.Duration(n.Interval) * time.Second
		}
	}

	return cfg, nil
}

// gatewayConfig converts the YAML gateway section into client settings.
func gatewayConfig(g config.MeshGatewayConfig) meshgw.Config {
	return meshgw.Config{
		Connection:           g.Connection,
		ConnectTimeout:       g.ConnectTimeoutDuration(),
		AckTimeout:           g.AckTimeout(),
		ReconnectInterval:    g.ReconnectDelay(),
		MaxReconnectInterval: g.MaxReconnectDelay(),
	}
}
