package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/backoff"
	corescheduler "github.com/Hfirstxlovef/cyberlab-sub002/internal/core/scheduler"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/docker"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/ratelimit"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/reconcile"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/registry"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/scheduler"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/workers"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Health    HealthConfig    `mapstructure:"health"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Placement PlacementConfig `mapstructure:"placement"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RuntimeConfig tunes the clients that talk to host container runtimes.
type RuntimeConfig struct {
	DockerBinary      string        `mapstructure:"docker_binary"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	VerifyDelay       time.Duration `mapstructure:"verify_delay"`
	AllowedPrefixes   []string      `mapstructure:"allowed_prefixes"`
	SSHConnectTimeout time.Duration `mapstructure:"ssh_connect_timeout"`
	KnownHostsPath    string        `mapstructure:"known_hosts_path"`

	// CommandsPerSecond throttles commands per host. Zero disables it.
	CommandsPerSecond float64 `mapstructure:"commands_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// HealthConfig holds host health checking configuration.
type HealthConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	NodeTimeout     time.Duration `mapstructure:"node_timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	FailoverOnDown  bool          `mapstructure:"failover_on_down"`
	FailoverTimeout time.Duration `mapstructure:"failover_timeout"`
}

// ReconcileConfig holds reconciliation engine and sync worker configuration.
type ReconcileConfig struct {
	// Enabled starts the background sync worker. Manual sweeps work
	// either way.
	Enabled bool `mapstructure:"enabled"`

	Interval               time.Duration `mapstructure:"interval"`
	ItemDelay              time.Duration `mapstructure:"item_delay"`
	MinHostInterval        time.Duration `mapstructure:"min_host_interval"`
	LimiterMaxSize         int           `mapstructure:"limiter_max_size"`
	LimiterTTL             time.Duration `mapstructure:"limiter_ttl"`
	MaxConcurrentHosts     int           `mapstructure:"max_concurrent_hosts"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	ResetInterval          time.Duration `mapstructure:"reset_interval"`
	CleanupInterval        time.Duration `mapstructure:"cleanup_interval"`
	RetentionDays          int           `mapstructure:"retention_days"`
	DefaultMaxAttempts     int           `mapstructure:"default_max_attempts"`
}

// PlacementConfig holds placement configuration.
type PlacementConfig struct {
	// CompatibleSubnets lists which /24 prefixes each prefix can reach.
	// Empty uses the built-in lab mapping.
	CompatibleSubnets []SubnetLink `mapstructure:"compatible_subnets"`
	LoadBalancedTopN  int          `mapstructure:"load_balanced_top_n"`
}

// SubnetLink is one network affinity entry. Prefixes are the first three
// octets, e.g. "192.168.1".
type SubnetLink struct {
	Subnet    string   `mapstructure:"subnet"`
	Reachable []string `mapstructure:"reachable"`
}

// RedisConfig configures the discovery listing cache. An empty Addr
// disables the cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DiscoveryConfig holds discovery configuration.
type DiscoveryConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// AuditConfig configures where audit events go. Events are always logged;
// with brokers set they are also published to Kafka.
type AuditConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	Topic        string   `mapstructure:"topic"`
}

// =============================================================================
// Component Configs
// =============================================================================

// DockerConfig returns the runtime client configuration.
func (c RuntimeConfig) DockerConfig() docker.Config {
	return docker.Config{
		Binary:          c.DockerBinary,
		CommandTimeout:  c.CommandTimeout,
		RunTimeout:      c.RunTimeout,
		VerifyDelay:     c.VerifyDelay,
		AllowedPrefixes: c.AllowedPrefixes,
		ConnectTimeout:  c.SSHConnectTimeout,
		KnownHostsPath:  c.KnownHostsPath,
	}
}

// PoolConfig returns the host pool configuration.
func (c RuntimeConfig) PoolConfig() docker.PoolConfig {
	return docker.PoolConfig{CommandsPerSecond: c.CommandsPerSecond, Burst: c.Burst}
}

// RegistryConfig returns the host registry configuration.
func (c HealthConfig) RegistryConfig() registry.Config {
	return registry.Config{
		MaxConcurrent: c.MaxConcurrent,
		Retry: backoff.Policy{
			MaxAttempts: c.RetryAttempts,
			BaseDelay:   c.RetryBaseDelay,
		},
	}
}

// CheckerConfig returns the health checker worker configuration.
func (c HealthConfig) CheckerConfig() workers.HealthCheckerConfig {
	return workers.HealthCheckerConfig{
		Interval:        c.Interval,
		FailoverOnDown:  c.FailoverOnDown,
		FailoverTimeout: c.FailoverTimeout,
	}
}

// EngineConfig returns the reconciliation engine configuration.
func (c ReconcileConfig) EngineConfig() reconcile.Config {
	return reconcile.Config{
		ItemDelay:          c.ItemDelay,
		MaxConcurrentHosts: c.MaxConcurrentHosts,
		DefaultMaxAttempts: c.DefaultMaxAttempts,
		RetentionDays:      c.RetentionDays,
	}
}

// WorkerConfig returns the sync worker configuration.
func (c ReconcileConfig) WorkerConfig() workers.SyncWorkerConfig {
	return workers.SyncWorkerConfig{
		Interval:               c.Interval,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		ResetInterval:          c.ResetInterval,
		CleanupInterval:        c.CleanupInterval,
		RetentionDays:          c.RetentionDays,
	}
}

// SchedulerConfig returns the placement service configuration.
func (c PlacementConfig) SchedulerConfig() scheduler.Config {
	cfg := scheduler.Config{LoadBalancedTopN: c.LoadBalancedTopN}
	if len(c.CompatibleSubnets) > 0 {
		cfg.Mapping = make(corescheduler.NetworkMapping, len(c.CompatibleSubnets))
		for _, link := range c.CompatibleSubnets {
			cfg.Mapping[link.Subnet] = append(cfg.Mapping[link.Subnet], link.Reachable...)
		}
	}
	return cfg
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "") // derived from data_dir when empty
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	rt := docker.DefaultConfig()
	pool := docker.DefaultPoolConfig()
	v.SetDefault("runtime.docker_binary", rt.Binary)
	v.SetDefault("runtime.command_timeout", rt.CommandTimeout)
	v.SetDefault("runtime.run_timeout", rt.RunTimeout)
	v.SetDefault("runtime.verify_delay", rt.VerifyDelay)
	v.SetDefault("runtime.allowed_prefixes", rt.AllowedPrefixes)
	v.SetDefault("runtime.ssh_connect_timeout", rt.ConnectTimeout)
	v.SetDefault("runtime.known_hosts_path", "")
	v.SetDefault("runtime.commands_per_second", pool.CommandsPerSecond)
	v.SetDefault("runtime.burst", pool.Burst)

	v.SetDefault("health.interval", "60s")
	v.SetDefault("health.node_timeout", "10s")
	v.SetDefault("health.max_concurrent", 5)
	v.SetDefault("health.retry_attempts", 3)
	v.SetDefault("health.retry_base_delay", "1s")
	v.SetDefault("health.failover_on_down", true)
	v.SetDefault("health.failover_timeout", "2m")

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "5m")
	v.SetDefault("reconcile.item_delay", "500ms")
	v.SetDefault("reconcile.min_host_interval", "30s")
	v.SetDefault("reconcile.limiter_max_size", ratelimit.DefaultMaxSize)
	v.SetDefault("reconcile.limiter_ttl", ratelimit.DefaultTTL)
	v.SetDefault("reconcile.max_concurrent_hosts", 1)
	v.SetDefault("reconcile.max_consecutive_failures", 5)
	v.SetDefault("reconcile.reset_interval", "1h")
	v.SetDefault("reconcile.cleanup_interval", "24h")
	v.SetDefault("reconcile.retention_days", 7)
	v.SetDefault("reconcile.default_max_attempts", 3)

	v.SetDefault("placement.compatible_subnets", []SubnetLink{})
	v.SetDefault("placement.load_balanced_top_n", corescheduler.DefaultLoadBalancedTopN)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("discovery.cache_ttl", "30s")

	v.SetDefault("audit.kafka_brokers", []string{})
	v.SetDefault("audit.topic", "fleet-audit")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.DataDir, "fleet.db")
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
