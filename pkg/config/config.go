// Package config loads engine configuration from YAML with environment
// fallbacks and applies defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the full engine configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	BackingStore BackingStoreConfig `yaml:"backing_store"`
	HTTP         HTTPClientConfig   `yaml:"http"`
	Cache        CacheConfig        `yaml:"cache"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Tracing      TracingConfig      `yaml:"tracing"`

	// Agents maps agent name to its service configuration.
	Agents map[string]AgentConfig `yaml:"agents"`

	// TimeoutProfiles maps agent name to a timeout override.
	// Agents without an entry use the "default" profile.
	TimeoutProfiles map[string]TimeoutProfile `yaml:"timeout_profiles"`

	// Checklists maps agent name to the task checklist that agent can attach
	// to a conversation. Empty means built-in defaults.
	Checklists map[string]ChecklistConfig `yaml:"checklists"`
}

// ChecklistConfig is a static task template attached by a support agent.
type ChecklistConfig struct {
	Label       string                      `yaml:"label"`
	Checkpoints []ChecklistCheckpointConfig `yaml:"checkpoints"`
}

// ChecklistCheckpointConfig is one checkpoint of a checklist template.
type ChecklistCheckpointConfig struct {
	Name           string   `yaml:"name"`
	Label          string   `yaml:"label"`
	ExpectedInputs []string `yaml:"expected_inputs"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RedisConfig holds the distributed cache tier connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// BackingStoreConfig points at the persistence collaborator.
type BackingStoreConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// HTTPClientConfig bounds the shared outbound transport.
type HTTPClientConfig struct {
	MaxConnections          int           `yaml:"max_connections"`
	MaxKeepaliveConnections int           `yaml:"max_keepalive_connections"`
	KeepaliveExpiry         time.Duration `yaml:"keepalive_expiry"`
	MaxRetries              int           `yaml:"max_retries"`
	RetryBaseDelay          time.Duration `yaml:"retry_base_delay"`
	// RateLimit caps outbound agent calls per second across all agents;
	// zero means unlimited.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// CacheConfig holds TTLs per logical data class and the local tier capacity.
type CacheConfig struct {
	LocalCapacity     int           `yaml:"local_capacity"`
	ConversationTTL   time.Duration `yaml:"conversation_ttl"`
	CheckpointEvalTTL time.Duration `yaml:"checkpoint_eval_ttl"`
	TaskStateTTL      time.Duration `yaml:"task_state_ttl"`
	ContextTTL        time.Duration `yaml:"context_ttl"`
}

// BreakerConfig tunes the per-agent circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryWindow   time.Duration `yaml:"recovery_window"`
}

// ExecutorConfig bounds a whole agent batch.
type ExecutorConfig struct {
	BatchDeadline    time.Duration `yaml:"batch_deadline"`
	PerAgentDeadline time.Duration `yaml:"per_agent_deadline"`
}

// MonitorConfig drives the periodic agent health probe.
type MonitorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// TracingConfig selects the trace exporter.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty = stdout exporter
}

// AgentConfig holds configuration for a single agent service.
type AgentConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Path         string   `yaml:"path"`
	Class        string   `yaml:"class"` // core, sync, async
	Dependencies []string `yaml:"dependencies"`
	MaxRetries   *int     `yaml:"max_retries"`
}

// TimeoutProfile mirrors the connect/read/write/pool timeout quadruple.
type TimeoutProfile struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
	Pool    time.Duration `yaml:"pool"`
}

// DefaultTimeoutProfile is used for agents without an override.
func DefaultTimeoutProfile() TimeoutProfile {
	return TimeoutProfile{
		Connect: 5 * time.Second,
		Read:    30 * time.Second,
		Write:   15 * time.Second,
		Pool:    10 * time.Second,
	}
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no agents.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8002
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "convoy:"
	}

	if c.BackingStore.URL == "" {
		c.BackingStore.URL = getEnv("BACKING_STORE_URL", "http://localhost:8010")
	}
	if c.BackingStore.RequestTimeout == 0 {
		c.BackingStore.RequestTimeout = 20 * time.Second
	}

	if c.HTTP.MaxConnections == 0 {
		c.HTTP.MaxConnections = 200
	}
	if c.HTTP.MaxKeepaliveConnections == 0 {
		c.HTTP.MaxKeepaliveConnections = 50
	}
	if c.HTTP.KeepaliveExpiry == 0 {
		c.HTTP.KeepaliveExpiry = 30 * time.Second
	}
	if c.HTTP.MaxRetries == 0 {
		c.HTTP.MaxRetries = 3
	}
	if c.HTTP.RetryBaseDelay == 0 {
		c.HTTP.RetryBaseDelay = 500 * time.Millisecond
	}

	if c.Cache.LocalCapacity == 0 {
		c.Cache.LocalCapacity = 1000
	}
	if c.Cache.ConversationTTL == 0 {
		c.Cache.ConversationTTL = time.Hour
	}
	if c.Cache.CheckpointEvalTTL == 0 {
		c.Cache.CheckpointEvalTTL = time.Minute
	}
	if c.Cache.TaskStateTTL == 0 {
		c.Cache.TaskStateTTL = 5 * time.Minute
	}
	if c.Cache.ContextTTL == 0 {
		c.Cache.ContextTTL = 5 * time.Minute
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryWindow == 0 {
		c.Breaker.RecoveryWindow = 60 * time.Second
	}

	if c.Executor.BatchDeadline == 0 {
		c.Executor.BatchDeadline = 120 * time.Second
	}
	if c.Executor.PerAgentDeadline == 0 {
		c.Executor.PerAgentDeadline = 30 * time.Second
	}

	if c.Monitor.Schedule == "" {
		c.Monitor.Schedule = "@every 30s"
	}

	if c.TimeoutProfiles == nil {
		c.TimeoutProfiles = make(map[string]TimeoutProfile)
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	for name, agent := range c.Agents {
		if agent.Port == 0 && agent.Host == "" {
			return fmt.Errorf("agent %q: host or port is required", name)
		}
		switch agent.Class {
		case "core", "sync", "async":
		default:
			return fmt.Errorf("agent %q: unknown class %q", name, agent.Class)
		}
		for _, dep := range agent.Dependencies {
			if dep == name {
				return fmt.Errorf("agent %q: depends on itself", name)
			}
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
