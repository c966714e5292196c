package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GriffinCanCode/flightbus/internal/domain/bus"
	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment variable, e.g. BUS_SERVER_PORT
const EnvPrefix = "BUS"

// FileEnv names the variable holding an optional config file path
const FileEnv = "BUS_CONFIG_FILE"

// ErrUnsupportedFormat is returned for config files that are neither YAML nor TOML
var ErrUnsupportedFormat = errors.New("unsupported config file format")

// Config holds all daemon configuration.
type Config struct {
	Limits    LimitsConfig    `yaml:"limits" toml:"limits" envconfig:"LIMITS"`
	Events    EventsConfig    `yaml:"events" toml:"events" envconfig:"EVENTS"`
	Server    ServerConfig    `yaml:"server" toml:"server" envconfig:"SERVER"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit" envconfig:"RATE_LIMIT"`
	Logging   LogConfig       `yaml:"logging" toml:"logging" envconfig:"LOG"`
	Reports   ReportConfig    `yaml:"reports" toml:"reports" envconfig:"REPORTS"`
}

// LimitsConfig holds the fixed bus limits.
type LimitsConfig struct {
	MaxApps         int   `yaml:"max_apps" toml:"max_apps" envconfig:"MAX_APPS"`
	MaxTasks        int   `yaml:"max_tasks" toml:"max_tasks" envconfig:"MAX_TASKS"`
	MaxPipes        int   `yaml:"max_pipes" toml:"max_pipes" envconfig:"MAX_PIPES"`
	MaxMsgIDs       int   `yaml:"max_msg_ids" toml:"max_msg_ids" envconfig:"MAX_MSG_IDS"`
	MaxDestPerPkt   int   `yaml:"max_dest_per_pkt" toml:"max_dest_per_pkt" envconfig:"MAX_DEST_PER_PKT"`
	MaxPipeDepth    int   `yaml:"max_pipe_depth" toml:"max_pipe_depth" envconfig:"MAX_PIPE_DEPTH"`
	DefaultMsgLimit int   `yaml:"default_msg_limit" toml:"default_msg_limit" envconfig:"DEFAULT_MSG_LIMIT"`
	MaxMsgSize      int   `yaml:"max_msg_size" toml:"max_msg_size" envconfig:"MAX_MSG_SIZE"`
	PoolBytes       int   `yaml:"pool_bytes" toml:"pool_bytes" envconfig:"POOL_BYTES"`
	BlockSizes      []int `yaml:"block_sizes" toml:"block_sizes" envconfig:"BLOCK_SIZES"`
	VerifyRetry     bool  `yaml:"verify_retry" toml:"verify_retry" envconfig:"VERIFY_RETRY"`
}

// EventsConfig holds event service configuration.
type EventsConfig struct {
	// MsgID republishes every event on the bus when non-zero
	MsgID   uint32 `yaml:"msg_id" toml:"msg_id" envconfig:"MSG_ID"`
	History int    `yaml:"history" toml:"history" envconfig:"HISTORY"`
	// BreakerTrip suspends republishing after this many consecutive failures
	BreakerTrip     uint32          `yaml:"breaker_trip" toml:"breaker_trip" envconfig:"BREAKER_TRIP"`
	BreakerCooldown int             `yaml:"breaker_cooldown_seconds" toml:"breaker_cooldown_seconds" envconfig:"BREAKER_COOLDOWN_SECONDS"`
	Filters         []events.Filter `yaml:"filters" toml:"filters" ignored:"true"`
}

// ServerConfig holds diagnostics server configuration.
type ServerConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
	Host            string   `yaml:"host" toml:"host" envconfig:"HOST"`
	Port            string   `yaml:"port" toml:"port" envconfig:"PORT"`
	ShutdownSeconds int      `yaml:"shutdown_seconds" toml:"shutdown_seconds" envconfig:"SHUTDOWN_SECONDS"`
	CORSOrigins     []string `yaml:"cors_origins" toml:"cors_origins" envconfig:"CORS_ORIGINS"`
}

// RateLimitConfig holds per-client rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `yaml:"rps" toml:"rps" envconfig:"RPS"`
	Burst             int  `yaml:"burst" toml:"burst" envconfig:"BURST"`
	Enabled           bool `yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string   `yaml:"level" toml:"level" envconfig:"LEVEL"`
	Development bool     `yaml:"development" toml:"development" envconfig:"DEV"`
	OutputPaths []string `yaml:"output_paths" toml:"output_paths" envconfig:"OUTPUT_PATHS"`
}

// ReportConfig holds where info dumps are written.
type ReportConfig struct {
	Dir      string `yaml:"dir" toml:"dir" envconfig:"DIR"`
	Compress bool   `yaml:"compress" toml:"compress" envconfig:"COMPRESS"`
	MaxLoop  int    `yaml:"max_loop" toml:"max_loop" envconfig:"MAX_LOOP"`
}

// Load builds configuration from defaults, the file named by BUS_CONFIG_FILE
// and BUS_* environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or returns the defaults on any error.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile merges a YAML or TOML file over cfg. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate checks values the bus cannot start with.
func (c *Config) Validate() error {
	if c.Limits.MaxApps <= 0 {
		return fmt.Errorf("invalid max_apps %d", c.Limits.MaxApps)
	}
	if err := c.Limits.Bus().Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if c.Events.MsgID != 0 && !msg.ID(c.Events.MsgID).IsValid() {
		return fmt.Errorf("invalid events.msg_id 0x%x", c.Events.MsgID)
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("invalid rate limit %d/%d", c.RateLimit.RequestsPerSecond, c.RateLimit.Burst)
	}
	return nil
}

// Bus converts the limits to a bus configuration.
func (l LimitsConfig) Bus() bus.Config {
	return bus.Config{
		MaxPipes:        l.MaxPipes,
		MaxMsgIDs:       l.MaxMsgIDs,
		MaxDestPerPkt:   l.MaxDestPerPkt,
		MaxTasks:        l.MaxTasks,
		MaxPipeDepth:    l.MaxPipeDepth,
		DefaultMsgLimit: l.DefaultMsgLimit,
		MaxMsgSize:      l.MaxMsgSize,
		PoolBytes:       l.PoolBytes,
		BlockSizes:      l.BlockSizes,
		VerifyRetry:     l.VerifyRetry,
	}
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// Default returns default configuration.
func Default() *Config {
	b := bus.DefaultConfig()
	return &Config{
		Limits: LimitsConfig{
			MaxApps:         32,
			MaxTasks:        b.MaxTasks,
			MaxPipes:        b.MaxPipes,
			MaxMsgIDs:       b.MaxMsgIDs,
			MaxDestPerPkt:   b.MaxDestPerPkt,
			MaxPipeDepth:    b.MaxPipeDepth,
			DefaultMsgLimit: b.DefaultMsgLimit,
			MaxMsgSize:      b.MaxMsgSize,
			PoolBytes:       b.PoolBytes,
			VerifyRetry:     b.VerifyRetry,
		},
		Events: EventsConfig{
			MsgID:           0x0808,
			History:         256,
			BreakerTrip:     5,
			BreakerCooldown: 10,
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            "8090",
			ShutdownSeconds: 5,
			CORSOrigins:     []string{"*"},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
		Logging: LogConfig{
			Level:       "info",
			OutputPaths: []string{"stdout"},
		},
		Reports: ReportConfig{
			Dir:     ".",
			MaxLoop: 64,
		},
	}
}
