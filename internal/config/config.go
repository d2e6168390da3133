// Package config loads scoresync configuration from YAML
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nainya/scoresync/internal/logger"
	"github.com/nainya/scoresync/pkg/transport"
)

// Config is the root configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the relay server
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	Path           string        `yaml:"path"`
	GRPCAddr       string        `yaml:"grpc_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	AuthSecret     string        `yaml:"auth_secret"`
	AllowAnonymous bool          `yaml:"allow_anonymous"`
	IdleSessionTTL time.Duration `yaml:"idle_session_ttl"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
	HistoryLimit   int           `yaml:"history_limit"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	Redis          RedisConfig   `yaml:"redis"`
}

// RedisConfig enables cross-instance fan-out when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// ClientConfig configures the transport used by watch and embedded clients
type ClientConfig struct {
	URL                  string        `yaml:"url"`
	Timeout              time.Duration `yaml:"timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
	BackoffJitter        float64       `yaml:"backoff_jitter"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, expands ${ENV} references, parses and validates a config file.
// Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.Path == "" {
		cfg.Server.Path = "/realtime"
	}
	if cfg.Server.GRPCAddr == "" {
		cfg.Server.GRPCAddr = ":50051"
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9090"
	}
	if cfg.Server.IdleSessionTTL == 0 {
		cfg.Server.IdleSessionTTL = time.Hour
	}
	if cfg.Server.SweepSchedule == "" {
		cfg.Server.SweepSchedule = "@every 1m"
	}
	if cfg.Server.HistoryLimit == 0 {
		cfg.Server.HistoryLimit = 100
	}
	if cfg.Server.MaxMessageSize == 0 {
		cfg.Server.MaxMessageSize = 1 << 20
	}
	if cfg.Server.Redis.Channel == "" {
		cfg.Server.Redis.Channel = "scoresync:broadcast"
	}

	def := transport.DefaultConfig()
	if cfg.Client.URL == "" {
		cfg.Client.URL = def.URL
	}
	if cfg.Client.Timeout == 0 {
		cfg.Client.Timeout = def.Timeout
	}
	if cfg.Client.ReconnectInterval == 0 {
		cfg.Client.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.Client.MaxReconnectInterval == 0 {
		cfg.Client.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if cfg.Client.BackoffMultiplier == 0 {
		cfg.Client.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.Client.MaxReconnectAttempts == 0 {
		cfg.Client.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.Client.HeartbeatInterval == 0 {
		cfg.Client.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.Client.PongTimeout == 0 {
		cfg.Client.PongTimeout = def.PongTimeout
	}
	if cfg.Client.WriteTimeout == 0 {
		cfg.Client.WriteTimeout = def.WriteTimeout
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var problems []string

	if !strings.HasPrefix(c.Server.Path, "/") {
		problems = append(problems, "server.path must start with /")
	}
	if c.Server.IdleSessionTTL < 0 {
		problems = append(problems, "server.idle_session_ttl must not be negative")
	}
	if c.Server.HistoryLimit < 0 {
		problems = append(problems, "server.history_limit must not be negative")
	}
	if c.Server.AuthSecret == "" && !c.Server.AllowAnonymous {
		problems = append(problems, "server.auth_secret is required unless server.allow_anonymous is set")
	}
	if !strings.HasPrefix(c.Client.URL, "ws://") && !strings.HasPrefix(c.Client.URL, "wss://") {
		problems = append(problems, "client.url must be a ws:// or wss:// url")
	}
	if c.Client.BackoffMultiplier < 1 {
		problems = append(problems, "client.backoff_multiplier must be at least 1")
	}
	if c.Client.BackoffJitter < 0 || c.Client.BackoffJitter > 1 {
		problems = append(problems, "client.backoff_jitter must be within [0, 1]")
	}
	if c.Client.MaxReconnectAttempts < 0 {
		problems = append(problems, "client.max_reconnect_attempts must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TransportConfig maps the client section onto transport settings
func (c ClientConfig) TransportConfig() transport.Config {
	return transport.Config{
		URL:                  c.URL,
		Timeout:              c.Timeout,
		ReconnectInterval:    c.ReconnectInterval,
		MaxReconnectInterval: c.MaxReconnectInterval,
		BackoffMultiplier:    c.BackoffMultiplier,
		BackoffJitter:        c.BackoffJitter,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		HeartbeatInterval:    c.HeartbeatInterval,
		PongTimeout:          c.PongTimeout,
		WriteTimeout:         c.WriteTimeout,
	}
}

// LoggerConfig maps the log section onto logger settings
func (c LogConfig) LoggerConfig() logger.Config {
	return logger.Config{Level: c.Level, Pretty: c.Pretty}
}
