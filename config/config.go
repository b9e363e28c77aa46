// Package config loads stepflowd settings from an optional YAML file, a
// .env file and STEPFLOW_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Ledger drivers
const (
	DriverMemory   = "memory"
	DriverDynamoDB = "dynamodb"
	DriverPostgres = "postgres"
)

// Config is the daemon configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Ledger LedgerConfig `yaml:"ledger"`
	Lease  LeaseConfig  `yaml:"lease"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr string `yaml:"addr" env:"STEPFLOW_ADDR"`
	// RateLimit is event intake requests per second per client; 0 disables it
	RateLimit float64 `yaml:"rate_limit" env:"STEPFLOW_RATE_LIMIT"`
	Burst     int     `yaml:"burst" env:"STEPFLOW_RATE_BURST"`
}

// LedgerConfig selects and configures the ledger backend
type LedgerConfig struct {
	Driver         string `yaml:"driver" env:"STEPFLOW_LEDGER"`
	DynamoTable    string `yaml:"dynamo_table" env:"STEPFLOW_DYNAMO_TABLE"`
	DynamoRegion   string `yaml:"dynamo_region" env:"AWS_REGION"`
	DynamoEndpoint string `yaml:"dynamo_endpoint" env:"STEPFLOW_DYNAMO_ENDPOINT"`
	PostgresDSN    string `yaml:"postgres_dsn" env:"STEPFLOW_POSTGRES_DSN"`
}

// LeaseConfig configures run leases. An empty RedisAddr keeps leases in
// the ledger.
type LeaseConfig struct {
	RedisAddr string        `yaml:"redis_addr" env:"STEPFLOW_REDIS_ADDR"`
	TTL       time.Duration `yaml:"ttl" env:"STEPFLOW_LEASE_TTL"`
}

// EngineConfig tunes the engine's pool and background jobs
type EngineConfig struct {
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs" env:"STEPFLOW_MAX_CONCURRENT_RUNS"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval" env:"STEPFLOW_SCHEDULER_INTERVAL"`
	RecoveryInterval  time.Duration `yaml:"recovery_interval" env:"STEPFLOW_RECOVERY_INTERVAL"`
	StaleAfter        time.Duration `yaml:"stale_after" env:"STEPFLOW_STALE_AFTER"`
}

// LogConfig configures zerolog
type LogConfig struct {
	Level  string `yaml:"level" env:"STEPFLOW_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"STEPFLOW_LOG_PRETTY"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":3000",
			RateLimit: 50,
			Burst:     100,
		},
		Ledger: LedgerConfig{
			Driver:       DriverMemory,
			DynamoTable:  "stepflow",
			DynamoRegion: "us-east-1",
		},
		Lease: LeaseConfig{
			TTL: 30 * time.Second,
		},
		Engine: EngineConfig{
			MaxConcurrentRuns: 10,
			SchedulerInterval: time.Second,
			RecoveryInterval:  30 * time.Second,
			StaleAfter:        5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load builds the configuration. path may be empty. A missing .env file
// is ignored; a missing YAML file named explicitly is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	switch c.Ledger.Driver {
	case DriverMemory:
	case DriverDynamoDB:
		if c.Ledger.DynamoTable == "" {
			return fmt.Errorf("ledger.dynamo_table is required for the dynamodb driver")
		}
	case DriverPostgres:
		if c.Ledger.PostgresDSN == "" {
			return fmt.Errorf("ledger.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit cannot be negative")
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be positive")
	}
	if c.Engine.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("engine.max_concurrent_runs must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return nil
}

// Logger builds the process logger
func (c LogConfig) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if c.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Logger().Level(level)
}
