package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server  ServerConfig  `envconfig:"SERVER"`
	Redis   RedisConfig   `envconfig:"REDIS"`
	Worker  WorkerConfig  `envconfig:"WORKER"`
	Log     LogConfig     `envconfig:"LOG"`
	Metrics MetricsConfig `envconfig:"METRICS"`
	Tracing TracingConfig `envconfig:"TRACING"`
}

type ServerConfig struct {
	Port         int           `envconfig:"PORT" default:"8080"`
	Host         string        `envconfig:"HOST" default:"localhost"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
}

type RedisConfig struct {
	URL      string        `envconfig:"URL" default:"redis://localhost:6379"`
	Password string        `envconfig:"PASSWORD" default:""`
	DB       int           `envconfig:"DB" default:"0"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"5s"`
}

type WorkerConfig struct {
	ScheduledLatency time.Duration `envconfig:"SCHEDULED_LATENCY" default:"1s"`
	FailedLatency    time.Duration `envconfig:"FAILED_LATENCY" default:"30s"`
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL"  default:"info"`
	Format string `envconfig:"FORMAT" default:"console"` // json in prod
}

type MetricsConfig struct {
	Enabled bool   `envconfig:"ENABLED" default:"false"`
	Addr    string `envconfig:"ADDR" default:":9090"`
}

type TracingConfig struct {
	Enabled      bool   `envconfig:"ENABLED" default:"false"`
	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT" default:"localhost:4317"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"tq"`
	Environment  string `envconfig:"ENVIRONMENT" default:"development"`
}

// Address returns the full server address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads config from env variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("TQ", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Worker.ScheduledLatency <= 0 {
		return fmt.Errorf("scheduled latency must be positive, got: %s", c.Worker.ScheduledLatency)
	}

	if c.Worker.FailedLatency <= 0 {
		return fmt.Errorf("failed latency must be positive, got: %s", c.Worker.FailedLatency)
	}

	return nil
}
