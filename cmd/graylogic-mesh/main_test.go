package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_InvalidGatewayConnection verifies run rejects a gateway URL
// without a supported scheme before touching any infrastructure.
func TestRun_InvalidGatewayConnection(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
database:
  path: "` + filepath.Join(tmpDir, "test.db") + `"

mesh:
  gateway:
    connection: "serial:/dev/ttyACM0"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("GRAYLOGIC_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with an unsupported gateway connection")
	}
}

// TestRun_UnknownStage verifies a misspelt stage override stops startup.
func TestRun_UnknownStage(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
database:
  path: "` + filepath.Join(tmpDir, "test.db") + `"

mesh:
  init:
    stages:
      securty:
        timeout_ms: 1000
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("GRAYLOGIC_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if !errors.Is(err, mesh.ErrUnknownStage) {
		t.Fatalf("run() error = %v, want ErrUnknownStage", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")

	path := getConfigPath()
	if path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("GRAYLOGIC_CONFIG", expected)

	path := getConfigPath()
	if path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func testMeshConfig() config.MeshConfig {
	return config.MeshConfig{
		Init: config.MeshInitConfig{
			MaxConcurrent: 2,
			Retries:       5,
			BackoffBaseMS: 250,
			BackoffMaxMS:  4000,
			Stages: map[string]config.MeshStageConfig{
				"security":      {TimeoutMS: 15000, Retries: 1},
				"configuration": {TimeoutMS: 3000},
			},
		},
		Inclusion: config.MeshInclusionConfig{SessionTimeout: 90},
		Liveness:  config.MeshLivenessConfig{FailureThreshold: 4},
		Polling: config.MeshPollingConfig{
			DefaultInterval: 300,
			Nodes: []config.MeshNodePolling{
				{NodeID: 7, Interval: 60},
			},
		},
		ConfigurationParameters: []config.MeshParameterSet{
			{ManufacturerID: 0x0086, ProductType: 0x0102, ProductID: 0x0064, Parameters: []int{3, 101, 111}},
		},
	}
}

// TestControllerConfig verifies the YAML mesh section maps onto policy.
func TestControllerConfig(t *testing.T) {
	cfg, err := controllerConfig(testMeshConfig())
	if err != nil {
		t.Fatalf("controllerConfig() error = %v", err)
	}

	p := cfg.Pipeline
	if p.MaxConcurrent != 2 || p.Retries != 5 {
		t.Errorf("MaxConcurrent/Retries = %d/%d, want 2/5", p.MaxConcurrent, p.Retries)
	}
	if p.BackoffBase != 250*time.Millisecond || p.BackoffMax != 4*time.Second {
		t.Errorf("backoff = %v..%v, want 250ms..4s", p.BackoffBase, p.BackoffMax)
	}
	if got := p.Stages[mesh.StageSecurity]; got.Timeout != 15*time.Second || got.Retries != 1 {
		t.Errorf("security policy = %+v", got)
	}
	if got := p.Policy(mesh.StageConfiguration); got.Timeout != 3*time.Second || got.Retries != 5 {
		t.Errorf("configuration policy = %+v, want 3s with default retries", got)
	}
	if p.AwakeWindow != mesh.DefaultAwakeWindow {
		t.Errorf("AwakeWindow = %v, want default %v", p.AwakeWindow, mesh.DefaultAwakeWindow)
	}

	if len(p.Parameters) != 1 {
		t.Fatalf("Parameters = %d sets, want 1", len(p.Parameters))
	}
	set := p.Parameters[0]
	want := mesh.ManufacturerInfo{ManufacturerID: 0x0086, ProductType: 0x0102, ProductID: 0x0064}
	if set.Product != want {
		t.Errorf("Product = %+v, want %+v", set.Product, want)
	}
	if len(set.Parameters) != 3 || set.Parameters[1] != 101 {
		t.Errorf("Parameters = %v, want [3 101 111]", set.Parameters)
	}

	if cfg.SessionTimeout != 90*time.Second {
		t.Errorf("SessionTimeout = %v, want 90s", cfg.SessionTimeout)
	}
	if cfg.FailureThreshold != 4 {
		t.Errorf("FailureThreshold = %d, want 4", cfg.FailureThreshold)
	}
	if cfg.DefaultPollInterval != 5*time.Minute {
		t.Errorf("DefaultPollInterval = %v, want 5m", cfg.DefaultPollInterval)
	}
	if cfg.PollIntervals[7] != time.Minute {
		t.Errorf("PollIntervals[7] = %v, want 1m", cfg.PollIntervals[7])
	}
}

// TestControllerConfig_ZeroBackoffKeepsDefaults verifies unset backoff
// values fall back to the controller defaults.
func TestControllerConfig_ZeroBackoffKeepsDefaults(t *testing.T) {
	m := testMeshConfig()
	m.Init.BackoffBaseMS = 0
	m.Init.BackoffMaxMS = 0
	m.Init.Stages = nil

	cfg, err := controllerConfig(m)
	if err != nil {
		t.Fatalf("controllerConfig() error = %v", err)
	}
	if cfg.Pipeline.BackoffBase != mesh.DefaultBackoffBase {
		t.Errorf("BackoffBase = %v, want %v", cfg.Pipeline.BackoffBase, mesh.DefaultBackoffBase)
	}
	if cfg.Pipeline.BackoffMax != mesh.DefaultBackoffMax {
		t.Errorf("BackoffMax = %v, want %v", cfg.Pipeline.BackoffMax, mesh.DefaultBackoffMax)
	}
	if cfg.Pipeline.Stages != nil {
		t.Errorf("Stages = %v, want nil", cfg.Pipeline.Stages)
	}
}

// TestControllerConfig_Errors verifies invalid sections are rejected.
func TestControllerConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.MeshConfig)
		want   error
	}{
		{
			name: "unknown stage",
			mutate: func(m *config.MeshConfig) {
				m.Init.Stages = map[string]config.MeshStageConfig{"handshake": {TimeoutMS: 10}}
			},
			want: mesh.ErrUnknownStage,
		},
		{
			name: "node id out of range",
			mutate: func(m *config.MeshConfig) {
				m.Polling.Nodes = []config.MeshNodePolling{{NodeID: 240, Interval: 10}}
			},
			want: mesh.ErrInvalidNodeID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMeshConfig()
			tt.mutate(&m)
			_, err := controllerConfig(m)
			if !errors.Is(err, tt.want) {
				t.Errorf("controllerConfig() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestGatewayConfig verifies unit conversion of the gateway section.
func TestGatewayConfig(t *testing.T) {
	got := gatewayConfig(config.MeshGatewayConfig{
		Connection:           "unix:///run/meshd.sock",
		ConnectTimeout:       5,
		AckTimeoutMS:         1500,
		ReconnectInterval:    2,
		MaxReconnectInterval: 30,
	})

	if got.Connection != "unix:///run/meshd.sock" {
		t.Errorf("Connection = %q", got.Connection)
	}
	if got.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", got.ConnectTimeout)
	}
	if got.AckTimeout != 1500*time.Millisecond {
		t.Errorf("AckTimeout = %v, want 1.5s", got.AckTimeout)
	}
	if got.ReconnectInterval != 2*time.Second || got.MaxReconnectInterval != 30*time.Second {
		t.Errorf("reconnect = %v..%v, want 2s..30s", got.ReconnectInterval, got.MaxReconnectInterval)
	}
}
