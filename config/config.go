package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow  TickflowConfig  `yaml:"tickflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Connector ConnectorConfig `yaml:"connector"`
	Broker    BrokerConfig    `yaml:"broker"`
	Sink      SinkConfig      `yaml:"sink"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type ConnectorConfig struct {
	StreamURL       string        `yaml:"stream_url"`
	Symbols         []string      `yaml:"symbols"`
	DepthEnabled    bool          `yaml:"depth_enabled"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMissedPongs  int           `yaml:"max_missed_pongs"`
	SessionMaxAge   time.Duration `yaml:"session_max_age"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	QueueTopic      string        `yaml:"queue_topic"`
	ValidateSymbols bool          `yaml:"validate_symbols"`
	FrameBuffer     int           `yaml:"frame_buffer"`
}

type BrokerConfig struct {
	ListenAddr   string          `yaml:"listen_addr"`
	Path         string          `yaml:"path"`
	PingInterval time.Duration   `yaml:"ping_interval"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	SendBuffer   int             `yaml:"send_buffer"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	OpsPerSecond float64 `yaml:"ops_per_second"`
	Burst        int     `yaml:"burst"`
}

type SinkConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	QueueTopic  string        `yaml:"queue_topic"`
	PopTimeout  time.Duration `yaml:"pop_timeout"`
	InitSchema  bool          `yaml:"init_schema"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(resolveEnvSpecificPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// References like ${REDIS_URL} resolve from the environment so the same
	// file works across deployments without embedding credentials.
	expanded := os.Expand(string(data), os.Getenv)

	config := Config{}
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379"
	}

	if cfg.Connector.PingInterval <= 0 {
		cfg.Connector.PingInterval = 30 * time.Second
	}
	if cfg.Connector.MaxMissedPongs <= 0 {
		cfg.Connector.MaxMissedPongs = 3
	}
	if cfg.Connector.SessionMaxAge <= 0 {
		cfg.Connector.SessionMaxAge = 23 * time.Hour
	}
	if cfg.Connector.ReconnectDelay <= 0 {
		cfg.Connector.ReconnectDelay = 5 * time.Second
	}
	if cfg.Connector.QueueTopic == "" {
		cfg.Connector.QueueTopic = "db"
	}
	if cfg.Connector.FrameBuffer <= 0 {
		cfg.Connector.FrameBuffer = 1024
	}

	if cfg.Broker.ListenAddr == "" {
		cfg.Broker.ListenAddr = ":8080"
	}
	if cfg.Broker.Path == "" {
		cfg.Broker.Path = "/ws"
	}
	if cfg.Broker.PingInterval <= 0 {
		cfg.Broker.PingInterval = 30 * time.Second
	}
	if cfg.Broker.WriteTimeout <= 0 {
		cfg.Broker.WriteTimeout = 10 * time.Second
	}
	if cfg.Broker.SendBuffer <= 0 {
		cfg.Broker.SendBuffer = 256
	}
	if cfg.Broker.RateLimit.OpsPerSecond <= 0 {
		cfg.Broker.RateLimit.OpsPerSecond = 10
	}
	if cfg.Broker.RateLimit.Burst <= 0 {
		cfg.Broker.RateLimit.Burst = 20
	}

	if cfg.Sink.QueueTopic == "" {
		cfg.Sink.QueueTopic = cfg.Connector.QueueTopic
	}
	if cfg.Sink.PopTimeout <= 0 {
		cfg.Sink.PopTimeout = 5 * time.Second
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}
	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}

	if cfg.Connector.StreamURL != "" && !strings.HasPrefix(cfg.Connector.StreamURL, "ws") {
		return fmt.Errorf("connector.stream_url must be a ws:// or wss:// URL")
	}

	for _, sym := range cfg.Connector.Symbols {
		if strings.TrimSpace(sym) == "" {
			return fmt.Errorf("connector.symbols must not contain empty entries")
		}
	}

	return nil
}
