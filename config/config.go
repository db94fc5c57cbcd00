package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Logging      LoggingConfig   `mapstructure:"logging"`
	Server       ServerConfig    `mapstructure:"server"`
	Runtime      RuntimeConfig   `mapstructure:"runtime"`
	Sandbox      SandboxConfig   `mapstructure:"sandbox"`
	Profiles     []ProfileConfig `mapstructure:"profiles"`
	ProfilesFile string          `mapstructure:"profiles_file"`
	Broker       BrokerConfig    `mapstructure:"broker"`
	RPC          RPCConfig       `mapstructure:"rpc"`
	Metrics      MetricsConfig   `mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode        string   `mapstructure:"mode"`
	Level       string   `mapstructure:"level"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// ServerConfig holds MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
	// Executor is "local" to run sandboxes in-process or "remote" to send
	// them to a worker over the broker.
	Executor string `mapstructure:"executor"`
}

// RuntimeConfig selects and addresses the container runtime
type RuntimeConfig struct {
	Backend      string `mapstructure:"backend"`
	Endpoint     string `mapstructure:"endpoint"`
	PullImages   bool   `mapstructure:"pull_images"`
	VolumePrefix string `mapstructure:"volume_prefix"`
}

// SandboxConfig holds engine-wide execution settings
type SandboxConfig struct {
	MaxOutputBytes      int          `mapstructure:"max_output_bytes"`
	CPUToWallTimeFactor int          `mapstructure:"cpu_to_wall_time_factor"`
	CleanupTimeoutSec   int          `mapstructure:"cleanup_timeout_sec"`
	DefaultLimits       LimitsConfig `mapstructure:"default_limits"`
}

// LimitsConfig holds optional resource limits. Unset fields inherit, -1
// means unlimited.
type LimitsConfig struct {
	CPUTime  *int `mapstructure:"cputime"`
	RealTime *int `mapstructure:"realtime"`
	Memory   *int `mapstructure:"memory"`
	NumProcs *int `mapstructure:"numprocs"`
}

// ProfileConfig describes an execution profile
type ProfileConfig struct {
	Name           string       `mapstructure:"name"`
	Image          string       `mapstructure:"image"`
	User           string       `mapstructure:"user"`
	Command        string       `mapstructure:"command"`
	NetworkEnabled bool         `mapstructure:"network_enabled"`
	ReadOnly       bool         `mapstructure:"read_only"`
	Limits         LimitsConfig `mapstructure:"limits"`
}

// BrokerConfig holds message broker configuration
type BrokerConfig struct {
	Backend      string `mapstructure:"backend"`
	Address      string `mapstructure:"address"`
	DB           int    `mapstructure:"db"`
	Password     string `mapstructure:"password"`
	Queue        string `mapstructure:"queue"`
	ReplyTTLSec  int    `mapstructure:"reply_ttl_sec"`
	DedupeTTLSec int    `mapstructure:"dedupe_ttl_sec"`
}

// RPCConfig holds worker and client settings
type RPCConfig struct {
	Concurrency        int `mapstructure:"concurrency"`
	ResponseTimeoutSec int `mapstructure:"response_timeout_sec"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// EnvPrefix prefixes environment overrides, e.g. GRADEBOX_BROKER_ADDRESS
const EnvPrefix = "GRADEBOX"

// New loads and validates the application configuration from config.yaml in
// the working directory or ./config.
func New() (*Config, error) {
	return Load("")
}

// Load reads the configuration from path, or searches the default
// locations when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Settings also honoured under their historical names
	_ = v.BindEnv("runtime.endpoint", EnvPrefix+"_RUNTIME_ENDPOINT", "DOCKER_URL")
	_ = v.BindEnv("profiles_file", EnvPrefix+"_PROFILES_FILE", "PROFILES_FILE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output_paths", []string{"stderr"})

	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.executor", "local")

	v.SetDefault("runtime.backend", "docker")
	v.SetDefault("runtime.endpoint", "")
	v.SetDefault("runtime.pull_images", false)
	v.SetDefault("runtime.volume_prefix", "gradebox-")

	v.SetDefault("sandbox.max_output_bytes", 1<<20)
	v.SetDefault("sandbox.cpu_to_wall_time_factor", 0)
	v.SetDefault("sandbox.cleanup_timeout_sec", 30)
	v.SetDefault("sandbox.default_limits.cputime", 1)
	v.SetDefault("sandbox.default_limits.realtime", 5)
	v.SetDefault("sandbox.default_limits.memory", 64)
	v.SetDefault("sandbox.default_limits.numprocs", -1)

	v.SetDefault("profiles_file", "")

	v.SetDefault("broker.backend", "redis")
	v.SetDefault("broker.address", "localhost:6379")
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.queue", "gradebox:requests")
	v.SetDefault("broker.reply_ttl_sec", 300)
	v.SetDefault("broker.dedupe_ttl_sec", 3600)

	v.SetDefault("rpc.concurrency", 4)
	v.SetDefault("rpc.response_timeout_sec", 60)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	switch c.Logging.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Executor != "local" && c.Server.Executor != "remote" {
		return fmt.Errorf("invalid server.executor: %s, must be 'local' or 'remote'", c.Server.Executor)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
	}
	if !supportedBackends[c.Runtime.Backend] {
		return fmt.Errorf("unsupported runtime.backend: %s", c.Runtime.Backend)
	}

	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if c.Sandbox.CPUToWallTimeFactor < 0 {
		return fmt.Errorf("sandbox.cpu_to_wall_time_factor must not be negative, got: %d", c.Sandbox.CPUToWallTimeFactor)
	}

	if err := c.Sandbox.DefaultLimits.validate("sandbox.default_limits"); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profiles[%d].name is required", i)
		}
		if p.Image == "" {
			return fmt.Errorf("profiles[%d].image is required for profile %s", i, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate profile: %s", p.Name)
		}
		seen[p.Name] = true
		if err := p.Limits.validate(fmt.Sprintf("profiles[%d].limits", i)); err != nil {
			return err
		}
	}

	if c.Broker.Backend != "redis" && c.Broker.Backend != "memory" {
		return fmt.Errorf("unsupported broker.backend: %s", c.Broker.Backend)
	}

	if c.Broker.Queue == "" {
		return fmt.Errorf("broker.queue is required")
	}

	if c.RPC.Concurrency <= 0 {
		return fmt.Errorf("rpc.concurrency must be positive, got: %d", c.RPC.Concurrency)
	}

	if c.RPC.ResponseTimeoutSec <= 0 {
		return fmt.Errorf("rpc.response_timeout_sec must be positive, got: %d", c.RPC.ResponseTimeoutSec)
	}

	return nil
}

func (l LimitsConfig) validate(prefix string) error {
	fields := map[string]*int{
		"cputime":  l.CPUTime,
		"realtime": l.RealTime,
		"memory":   l.Memory,
		"numprocs": l.NumProcs,
	}
	for name, v := range fields {
		if v != nil && *v < -1 {
			return fmt.Errorf("%s.%s must be -1 (unlimited) or non-negative, got: %d", prefix, name, *v)
		}
	}
	return nil
}

// ResponseTimeout returns how long an RPC client waits for a reply
func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.RPC.ResponseTimeoutSec) * time.Second
}

// ReplyTTL returns how long an unread reply is kept by the broker
func (c *Config) ReplyTTL() time.Duration {
	return time.Duration(c.Broker.ReplyTTLSec) * time.Second
}

// DedupeTTL returns how long a request ID is remembered for duplicate
// detection
func (c *Config) DedupeTTL() time.Duration {
	return time.Duration(c.Broker.DedupeTTLSec) * time.Second
}

// CleanupTimeout bounds container and volume removal
func (c *Config) CleanupTimeout() time.Duration {
	return time.Duration(c.Sandbox.CleanupTimeoutSec) * time.Second
}
