package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "data/fleet.db", cfg.Database.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, "docker", cfg.Runtime.DockerBinary)
	assert.Equal(t, 30*time.Second, cfg.Runtime.CommandTimeout)
	assert.Equal(t, 60*time.Second, cfg.Runtime.RunTimeout)
	assert.Contains(t, cfg.Runtime.AllowedPrefixes, "cyberlab-")

	assert.Equal(t, 60*time.Second, cfg.Health.Interval)
	assert.Equal(t, 3, cfg.Health.RetryAttempts)
	assert.True(t, cfg.Health.FailoverOnDown)
	assert.Equal(t, 2*time.Minute, cfg.Health.FailoverTimeout)

	assert.True(t, cfg.Reconcile.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.MinHostInterval)
	assert.Equal(t, 7, cfg.Reconcile.RetentionDays)
	assert.Equal(t, 100, cfg.Reconcile.LimiterMaxSize)
	assert.Equal(t, 24*time.Hour, cfg.Reconcile.LimiterTTL)
	assert.Equal(t, 5, cfg.Placement.LoadBalancedTopN)

	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Audit.KafkaBrokers)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
  shutdown_timeout: 15s

database:
  dsn: "/tmp/test.db"

log:
  level: "debug"
  format: "text"

reconcile:
  enabled: false
  interval: 2m
  min_host_interval: 10s

placement:
  compatible_subnets:
    - subnet: "10.0.1"
      reachable: ["10.0.2", "10.0.3"]

audit:
  kafka_brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: lab-audit
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/tmp/test.db", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Reconcile.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 10*time.Second, cfg.Reconcile.MinHostInterval)
	require.Len(t, cfg.Placement.CompatibleSubnets, 1)
	assert.Equal(t, SubnetLink{Subnet: "10.0.1", Reachable: []string{"10.0.2", "10.0.3"}}, cfg.Placement.CompatibleSubnets[0])
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Audit.KafkaBrokers)
	assert.Equal(t, "lab-audit", cfg.Audit.Topic)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("FLEET_SERVER_PORT", "3000")
	t.Setenv("FLEET_DATABASE_DSN", "/custom/path.db")
	t.Setenv("FLEET_LOG_LEVEL", "warn")
	t.Setenv("FLEET_HEALTH_INTERVAL", "15s")
	t.Setenv("FLEET_RECONCILE_ENABLED", "false")
	t.Setenv("FLEET_REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 15*time.Second, cfg.Health.Interval)
	assert.False(t, cfg.Reconcile.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadConfig_DataDirDerivesDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLEET_DATA_DIR", "/var/lib/fleet")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fleet/fleet.db", cfg.Database.DSN)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

// =============================================================================
// Component Config Tests
// =============================================================================

func TestComponentConfigs(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	rc := cfg.Health.RegistryConfig()
	assert.Equal(t, 5, rc.MaxConcurrent)
	assert.Equal(t, 3, rc.Retry.MaxAttempts)
	assert.Equal(t, time.Second, rc.Retry.BaseDelay)

	wc := cfg.Reconcile.WorkerConfig()
	assert.Equal(t, 5, wc.MaxConsecutiveFailures)
	assert.Equal(t, time.Hour, wc.ResetInterval)

	assert.Equal(t, 500*time.Millisecond, cfg.Reconcile.EngineConfig().ItemDelay)
	assert.Equal(t, 5.0, cfg.Runtime.PoolConfig().CommandsPerSecond)

	// No configured subnets keeps the built-in mapping
	assert.Nil(t, cfg.Placement.SchedulerConfig().Mapping)

	cfg.Placement.CompatibleSubnets = []SubnetLink{
		{Subnet: "10.0.1", Reachable: []string{"10.0.2"}},
		{Subnet: "10.0.1", Reachable: []string{"10.0.3"}},
	}
	assert.Equal(t, []string{"10.0.2", "10.0.3"}, cfg.Placement.SchedulerConfig().Mapping["10.0.1"])
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level, format string
	}{
		{"info", "json"},
		{"debug", "text"},
		{"warn", "json"},
		{"error", "json"},
		{"invalid", "json"},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger := SetupLogger(&Config{Log: LogConfig{Level: tt.level, Format: tt.format}})
			assert.NotNil(t, logger)
		})
	}
}

func TestConfig_Address(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "localhost", Port: 8080}}

	assert.Equal(t, "localhost:8080", cfg.Server.Address())
}

// =============================================================================
// Command Tests
// =============================================================================

func TestVersionCommand(t *testing.T) {
	out := new(bytes.Buffer)
	root := newRootCmd()
	root.SetOut(out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "fleetd dev")
}

func TestHostsImportCommand(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLEET_DATABASE_DSN", ":memory:")
	t.Setenv("FLEET_LOG_LEVEL", "error")

	inventory := `
hosts:
  - name: lab-node-1
    host_ip: 192.168.1.20
    node_type: vm
    environment: production
    priority: 5
  - name: lab-node-2
    host_ip: 192.168.1.21
    node_type: physical
    environment: testing
`
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(inventory), 0644))

	out := new(bytes.Buffer)
	root := newRootCmd()
	root.SetOut(out)
	root.SetArgs([]string{"hosts", "import", path})

	require.NoError(t, root.ExecuteContext(context.Background()))

	var result registry.ImportResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.ElementsMatch(t, []string{"lab-node-1", "lab-node-2"}, result.Created)
	assert.Empty(t, result.Errors)
}

func TestHostsImportCommand_RejectedEntry(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLEET_DATABASE_DSN", ":memory:")
	t.Setenv("FLEET_LOG_LEVEL", "error")

	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hosts:
  - name: lab-node-1
    host_ip: not-an-ip
    node_type: vm
    environment: production
`), 0644))

	assert.Equal(t, ExitRuntimeError, run([]string{"hosts", "import", path}))
}

func TestHostsImportCommand_MissingFile(t *testing.T) {
	clearEnv(t)

	assert.Equal(t, ExitConfigError, run([]string{"hosts", "import", "/nonexistent/inventory.yaml"}))
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"FLEET_DATA_DIR",
		"FLEET_SERVER_PORT",
		"FLEET_DATABASE_DSN",
		"FLEET_LOG_LEVEL",
		"FLEET_LOG_FORMAT",
		"FLEET_HEALTH_INTERVAL",
		"FLEET_RECONCILE_ENABLED",
		"FLEET_REDIS_ADDR",
	} {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}
