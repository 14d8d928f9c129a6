// Package config loads clusterkit's runtime configuration from YAML with
// environment-variable overrides, defaults, and a process-wide singleton
// accessor.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// clusterkit configuration
// =============================================================================

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Cache        CacheConfig        `yaml:"cache"`
	SecureCache  SecureCacheConfig  `yaml:"secure_cache"`
	Plugins      PluginsConfig      `yaml:"plugins"`
	IPC          IPCConfig          `yaml:"ipc"`
	Workers      WorkersConfig      `yaml:"workers"`
	Health       HealthConfig       `yaml:"health"`
	LB           LBConfig           `yaml:"load_balancer"`
	AutoScaler   AutoScalerConfig   `yaml:"autoscaler"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	HybridCore   HybridCoreConfig   `yaml:"hybrid_core"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

type CacheConfig struct {
	MaxSize             int    `yaml:"max_size"`
	DefaultTTLSec       int    `yaml:"default_ttl_sec"`
	Strategy            string `yaml:"strategy"` // lru|lfu|adaptive
	CleanupIntervalSec  int    `yaml:"cleanup_interval_sec"`
	MemCheckIntervalSec int    `yaml:"mem_check_interval_sec"`
}

type SecureCacheConfig struct {
	Enabled           bool   `yaml:"enabled"`
	KeyRotationEvery  int    `yaml:"key_rotation_memory_pressure_events"`
	BypassUnderBytes  int    `yaml:"bypass_under_bytes"`
	CompressOverBytes int    `yaml:"compress_over_bytes"`
	ScryptPassphrase  string `yaml:"scrypt_passphrase"`
}

type PluginsConfig struct {
	DefaultMaxExecMs       int      `yaml:"default_max_exec_ms"`
	AllowHTTPRegisterTypes []string `yaml:"allow_http_register_types"`
}

type IPCConfig struct {
	Encrypted        bool   `yaml:"encrypted"`
	SharedSecret     string `yaml:"shared_secret"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
	QueueSize        int    `yaml:"queue_size"`
	QueueTimeoutSec  int    `yaml:"queue_timeout_sec"`
}

type WorkersConfig struct {
	BasePort             int     `yaml:"base_port"`
	Respawn              bool    `yaml:"respawn"`
	MaxRestartsPerHour   int     `yaml:"max_restarts_per_hour"`
	RestartDelayMs       int     `yaml:"restart_delay_ms"`
	MaxRestartDelayMs    int     `yaml:"max_restart_delay_ms"`
	GracefulShutdownSec  int     `yaml:"graceful_shutdown_timeout_sec"`
	KillTimeoutSec       int     `yaml:"kill_timeout_sec"`
	MemoryThresholdBytes int64   `yaml:"memory_threshold_bytes"`
	CPUThresholdPercent  float64 `yaml:"cpu_threshold_percent"`
}

type HealthConfig struct {
	IntervalSec         int     `yaml:"interval_sec"`
	TimeoutSec          int     `yaml:"timeout_sec"`
	Endpoint            string  `yaml:"endpoint"`
	MaxFailures         int     `yaml:"max_failures"`
	MemThresholdPct     float64 `yaml:"mem_threshold_pct"`
	CPUThresholdPct     float64 `yaml:"cpu_threshold_pct"`
	EventLoopDelayMsMax float64 `yaml:"event_loop_delay_ms_max"`
}

type LBConfig struct {
	Strategy                 string `yaml:"strategy"`
	CircuitBreakerThreshold  int    `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutSec int    `yaml:"circuit_breaker_timeout_sec"`
	SessionAffinity          bool   `yaml:"session_affinity"`
	StrategyCooldownSec      int    `yaml:"strategy_cooldown_sec"`
	VirtualNodesPerWorker    int    `yaml:"virtual_nodes_per_worker"`
}

type AutoScalerConfig struct {
	Enabled          bool    `yaml:"enabled"`
	MinWorkers       int     `yaml:"min_workers"`
	MaxWorkers       int     `yaml:"max_workers"`
	ScaleStep        int     `yaml:"scale_step"`
	CooldownSec      int     `yaml:"cooldown_sec"`
	EvalIntervalSec  int     `yaml:"eval_interval_sec"`
	CPUUpThreshold   float64 `yaml:"cpu_up_threshold"`
	CPUDownThreshold float64 `yaml:"cpu_down_threshold"`
	MemUpThreshold   float64 `yaml:"mem_up_threshold"`
	MemDownThreshold float64 `yaml:"mem_down_threshold"`
	RTThresholdMs    float64 `yaml:"response_time_threshold_ms"`
	QueueThreshold   int     `yaml:"queue_threshold"`
	IdleMinutes      float64 `yaml:"idle_minutes_threshold"`
}

type ClusterConfig struct {
	PersistenceBackend  string `yaml:"persistence_backend"` // memory|file|redis|postgres
	StateFilePath       string `yaml:"state_file_path"`
	StateFileBackups    int    `yaml:"state_file_backups"`
	RedisAddr           string `yaml:"redis_addr"`
	RedisKey            string `yaml:"redis_key"`
	PostgresDSN         string `yaml:"postgres_dsn"`
	MaxUnavailable      int    `yaml:"max_unavailable"`
	MaxSurge            int    `yaml:"max_surge"`
	HealthCheckGraceSec int    `yaml:"health_check_grace_sec"`
}

type HybridCoreConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Command          string `yaml:"command"`
	Fallback         bool   `yaml:"fallback"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
}

type OrchestratorConfig struct {
	Topology           string   `yaml:"topology"` // single|cluster|hybrid; any other value runs single
	WatchPaths         []string `yaml:"watch_paths"`
	ShutdownTimeoutSec int      `yaml:"shutdown_timeout_sec"`
}

func (c ServerConfig) ReadTimeout() time.Duration  { return time.Duration(c.ReadTimeoutSec) * time.Second }
func (c ServerConfig) WriteTimeout() time.Duration { return time.Duration(c.WriteTimeoutSec) * time.Second }
func (c ServerConfig) IdleTimeout() time.Duration  { return time.Duration(c.IdleTimeoutSec) * time.Second }

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loaded from CONFIG_PATH (default
// config.yaml) with environment overrides and defaults applied.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("CLUSTERKIT_PORT", c.Server.Port)
	c.Server.Env = getEnv("CLUSTERKIT_ENV", c.Server.Env)

	if v := getEnvInt("CLUSTERKIT_CACHE_MAX_SIZE", 0); v > 0 {
		c.Cache.MaxSize = v
	}
	c.Cache.Strategy = getEnv("CLUSTERKIT_CACHE_STRATEGY", c.Cache.Strategy)

	c.SecureCache.Enabled = getEnvBool("CLUSTERKIT_SECURE_CACHE", c.SecureCache.Enabled)
	c.SecureCache.ScryptPassphrase = getEnv("CLUSTERKIT_CACHE_KEY", c.SecureCache.ScryptPassphrase)

	c.IPC.Encrypted = getEnvBool("CLUSTERKIT_IPC_ENCRYPTED", c.IPC.Encrypted)
	c.IPC.SharedSecret = getEnv("CLUSTERKIT_IPC_SECRET", c.IPC.SharedSecret)

	if v := getEnvInt("CLUSTERKIT_WORKERS_BASE_PORT", 0); v > 0 {
		c.Workers.BasePort = v
	}

	if v := getEnvInt("CLUSTERKIT_AUTOSCALER_MIN", 0); v > 0 {
		c.AutoScaler.MinWorkers = v
	}
	if v := getEnvInt("CLUSTERKIT_AUTOSCALER_MAX", 0); v > 0 {
		c.AutoScaler.MaxWorkers = v
	}

	c.Cluster.PersistenceBackend = getEnv("CLUSTERKIT_PERSISTENCE_BACKEND", c.Cluster.PersistenceBackend)
	c.Cluster.RedisAddr = getEnv("CLUSTERKIT_REDIS_ADDR", c.Cluster.RedisAddr)
	c.Cluster.PostgresDSN = getEnv("CLUSTERKIT_POSTGRES_DSN", c.Cluster.PostgresDSN)

	c.Orchestrator.Topology = getEnv("CLUSTERKIT_TOPOLOGY", c.Orchestrator.Topology)
	if paths := getEnv("CLUSTERKIT_WATCH_PATHS", ""); paths != "" {
		c.Orchestrator.WatchPaths = splitCSV(paths)
	}

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}

	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = 10000
	}
	if c.Cache.Strategy == "" {
		c.Cache.Strategy = "adaptive"
	}
	if c.Cache.CleanupIntervalSec == 0 {
		c.Cache.CleanupIntervalSec = 60
	}
	if c.Cache.MemCheckIntervalSec == 0 {
		c.Cache.MemCheckIntervalSec = 30
	}

	if c.SecureCache.BypassUnderBytes == 0 {
		c.SecureCache.BypassUnderBytes = 256
	}
	if c.SecureCache.CompressOverBytes == 0 {
		c.SecureCache.CompressOverBytes = 1024
	}
	if c.SecureCache.KeyRotationEvery == 0 {
		c.SecureCache.KeyRotationEvery = 50
	}

	if c.Plugins.DefaultMaxExecMs == 0 {
		c.Plugins.DefaultMaxExecMs = 1000
	}
	if len(c.Plugins.AllowHTTPRegisterTypes) == 0 {
		c.Plugins.AllowHTTPRegisterTypes = []string{"performance", "cache", "monitoring"}
	}

	if c.IPC.RequestTimeoutMs == 0 {
		c.IPC.RequestTimeoutMs = 5000
	}
	if c.IPC.QueueSize == 0 {
		c.IPC.QueueSize = 1000
	}
	if c.IPC.QueueTimeoutSec == 0 {
		c.IPC.QueueTimeoutSec = 30
	}

	if c.Workers.BasePort == 0 {
		c.Workers.BasePort = 9000
	}
	if c.Workers.MaxRestartsPerHour == 0 {
		c.Workers.MaxRestartsPerHour = 10
	}
	if c.Workers.RestartDelayMs == 0 {
		c.Workers.RestartDelayMs = 1000
	}
	if c.Workers.MaxRestartDelayMs == 0 {
		c.Workers.MaxRestartDelayMs = 30000
	}
	if c.Workers.GracefulShutdownSec == 0 {
		c.Workers.GracefulShutdownSec = 48
	}
	if c.Workers.KillTimeoutSec == 0 {
		c.Workers.KillTimeoutSec = 15
	}

	if c.Health.IntervalSec == 0 {
		c.Health.IntervalSec = 30
	}
	if c.Health.TimeoutSec == 0 {
		c.Health.TimeoutSec = 5
	}
	if c.Health.Endpoint == "" {
		c.Health.Endpoint = "/health"
	}
	if c.Health.MaxFailures == 0 {
		c.Health.MaxFailures = 3
	}
	if c.Health.EventLoopDelayMsMax == 0 {
		c.Health.EventLoopDelayMsMax = 100
	}

	if c.LB.Strategy == "" {
		c.LB.Strategy = "round-robin"
	}
	if c.LB.CircuitBreakerThreshold == 0 {
		c.LB.CircuitBreakerThreshold = 5
	}
	if c.LB.CircuitBreakerTimeoutSec == 0 {
		c.LB.CircuitBreakerTimeoutSec = 60
	}
	if c.LB.StrategyCooldownSec == 0 {
		c.LB.StrategyCooldownSec = 30
	}
	if c.LB.VirtualNodesPerWorker == 0 {
		c.LB.VirtualNodesPerWorker = 150
	}

	if c.AutoScaler.MinWorkers == 0 {
		c.AutoScaler.MinWorkers = 2
	}
	if c.AutoScaler.MaxWorkers == 0 {
		c.AutoScaler.MaxWorkers = 8
	}
	if c.AutoScaler.ScaleStep == 0 {
		c.AutoScaler.ScaleStep = 2
	}
	if c.AutoScaler.CooldownSec == 0 {
		c.AutoScaler.CooldownSec = 180
	}
	if c.AutoScaler.EvalIntervalSec == 0 {
		c.AutoScaler.EvalIntervalSec = 30
	}
	if c.AutoScaler.CPUUpThreshold == 0 {
		c.AutoScaler.CPUUpThreshold = 0.65
	}
	if c.AutoScaler.CPUDownThreshold == 0 {
		c.AutoScaler.CPUDownThreshold = 0.2
	}
	if c.AutoScaler.MemUpThreshold == 0 {
		c.AutoScaler.MemUpThreshold = 0.75
	}
	if c.AutoScaler.MemDownThreshold == 0 {
		c.AutoScaler.MemDownThreshold = 0.3
	}
	if c.AutoScaler.RTThresholdMs == 0 {
		c.AutoScaler.RTThresholdMs = 500
	}
	if c.AutoScaler.IdleMinutes == 0 {
		c.AutoScaler.IdleMinutes = 5
	}

	if c.Cluster.PersistenceBackend == "" {
		c.Cluster.PersistenceBackend = "memory"
	}
	if c.Cluster.StateFilePath == "" {
		c.Cluster.StateFilePath = "cluster-state.json"
	}
	if c.Cluster.StateFileBackups == 0 {
		c.Cluster.StateFileBackups = 3
	}
	if c.Cluster.MaxUnavailable == 0 {
		c.Cluster.MaxUnavailable = 1
	}
	if c.Cluster.MaxSurge == 0 {
		c.Cluster.MaxSurge = 1
	}
	if c.Cluster.HealthCheckGraceSec == 0 {
		c.Cluster.HealthCheckGraceSec = 10
	}

	if c.HybridCore.RequestTimeoutMs == 0 {
		c.HybridCore.RequestTimeoutMs = 5000
	}

	if c.Orchestrator.Topology == "" {
		c.Orchestrator.Topology = "single"
	}
	if c.Orchestrator.ShutdownTimeoutSec == 0 {
		c.Orchestrator.ShutdownTimeoutSec = 30
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func (c *Config) IsProduction() bool  { return c.Server.Env == "production" }
func (c *Config) IsDevelopment() bool { return c.Server.Env == "development" || c.Server.Env == "" }
