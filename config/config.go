package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/wasmbox/metering"
	"github.com/isdmx/wasmbox/sandbox"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Gas      GasConfig      `mapstructure:"gas"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// EngineConfig holds execution engine configuration
type EngineConfig struct {
	Backend         string `mapstructure:"backend"`
	EntryPoint      string `mapstructure:"entry_point"`
	AllowFloats     bool   `mapstructure:"allow_floats"`
	MaxPayloadBytes uint32 `mapstructure:"max_payload_bytes"`
	CacheSize       int    `mapstructure:"cache_size"`
}

// GasConfig holds instruction and host call gas costs
type GasConfig struct {
	Schedule metering.Schedule `mapstructure:"schedule"`
	Host     sandbox.HostCosts `mapstructure:"host"`
}

// StorageConfig selects and configures the contract storage backend
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Badger  BadgerConfig `mapstructure:"badger"`
	Redis   RedisConfig  `mapstructure:"redis"`
}

// BadgerConfig holds badger storage configuration
type BadgerConfig struct {
	Path       string `mapstructure:"path"`
	InMemory   bool   `mapstructure:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// RedisConfig holds redis storage configuration
type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	Prefix         string `mapstructure:"prefix"`
	DialTimeoutSec int    `mapstructure:"dial_timeout_sec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string     `mapstructure:"mode"`
	Level string     `mapstructure:"level"`
	File  FileConfig `mapstructure:"file"`
}

// FileConfig enables rotated log file output when Path is set
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// DefaultsConfig holds the limits applied when a request omits them
type DefaultsConfig struct {
	GasLimit         uint64 `mapstructure:"gas_limit"`
	MemoryLimitBytes uint64 `mapstructure:"memory_limit_bytes"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load("")
}

// Load reads the configuration from path, or from config.yaml in . or
// ./config when path is empty.
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

	v.SetEnvPrefix("WASMBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("engine.backend", sandbox.BackendCompiler)
	v.SetDefault("engine.entry_point", sandbox.DefaultEntryPoint)
	v.SetDefault("engine.allow_floats", false)
	v.SetDefault("engine.max_payload_bytes", 1<<20)
	v.SetDefault("engine.cache_size", 64)

	schedule := metering.DefaultSchedule()
	v.SetDefault("gas.schedule.instruction", schedule.Instruction)
	v.SetDefault("gas.schedule.call", schedule.Call)
	v.SetDefault("gas.schedule.memory", schedule.Memory)
	v.SetDefault("gas.schedule.memory_grow", schedule.MemoryGrow)
	v.SetDefault("gas.schedule.bulk", schedule.Bulk)
	costs := sandbox.DefaultHostCosts()
	v.SetDefault("gas.host.host_call", costs.Call)
	v.SetDefault("gas.host.host_byte", costs.Byte)
	v.SetDefault("gas.host.storage_write", costs.StorageWrite)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.badger.path", "./data/badger")
	v.SetDefault("storage.badger.in_memory", false)
	v.SetDefault("storage.badger.sync_writes", false)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "wasmbox:")
	v.SetDefault("storage.redis.dial_timeout_sec", 5)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 28)
	v.SetDefault("logging.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("defaults.gas_limit", 10_000_000)
	v.SetDefault("defaults.memory_limit_bytes", 16<<20)
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port must be between 1 and 65535, got: %d", c.Server.HTTPPort)
	}

	if c.Engine.Backend != sandbox.BackendCompiler && c.Engine.Backend != sandbox.BackendInterpreter {
		return fmt.Errorf("unsupported engine.backend: %s, must be '%s' or '%s'",
			c.Engine.Backend, sandbox.BackendCompiler, sandbox.BackendInterpreter)
	}

	if c.Engine.EntryPoint == "" {
		return fmt.Errorf("engine.entry_point must not be empty")
	}

	if c.Engine.CacheSize < 0 {
		return fmt.Errorf("engine.cache_size must not be negative, got: %d", c.Engine.CacheSize)
	}

	if err := c.Gas.Schedule.Validate(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case "memory":
	case "badger":
		if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
			return fmt.Errorf("storage.badger.path is required unless storage.badger.in_memory is set")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr must not be empty")
		}
	default:
		return fmt.Errorf("unsupported storage.backend: %s, must be 'memory', 'badger' or 'redis'", c.Storage.Backend)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must not be empty when metrics are enabled")
	}

	if c.Defaults.MemoryLimitBytes < sandbox.PageSize {
		return fmt.Errorf("defaults.memory_limit_bytes must be at least one page (%d), got: %d",
			sandbox.PageSize, c.Defaults.MemoryLimitBytes)
	}

	return nil
}

// EngineConfig returns the executor settings derived from the engine and
// gas sections.
func (c *Config) EngineConfig() *sandbox.Config {
	return &sandbox.Config{
		Backend:         c.Engine.Backend,
		EntryPoint:      c.Engine.EntryPoint,
		AllowFloats:     c.Engine.AllowFloats,
		MaxPayloadBytes: c.Engine.MaxPayloadBytes,
		CacheSize:       c.Engine.CacheSize,
		Schedule:        c.Gas.Schedule,
		HostCosts:       c.Gas.Host,
	}
}

// GetDialTimeout returns the redis dial timeout as a duration
func (c *Config) GetDialTimeout() time.Duration {
	return time.Duration(c.Storage.Redis.DialTimeoutSec) * time.Second
}
