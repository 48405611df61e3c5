// Package config loads process configuration from PRAECEPTA_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/aggregate"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/migrations"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/projection"
)

// Prefix is prepended to every variable name.
const Prefix = "PRAECEPTA_"

// Budget component names used for the pools this configuration sizes.
const (
	WritePathComponent  = "write-path"
	ProjectionComponent = "projections"
)

// Config is the process configuration.
type Config struct {
	Driver string `env:"DRIVER" envDefault:"sqlite"`
	DSN    string `env:"DSN"    envDefault:"praecepta.db"`

	WritePoolSize         int  `env:"WRITE_POOL_SIZE"         envDefault:"10"`
	WriteMaxOverflow      int  `env:"WRITE_MAX_OVERFLOW"      envDefault:"5"`
	ProjectionPoolSize    int  `env:"PROJECTION_POOL_SIZE"    envDefault:"4"`
	ProjectionMaxOverflow int  `env:"PROJECTION_MAX_OVERFLOW" envDefault:"0"`
	ConnectionCeiling     int  `env:"CONNECTION_CEILING"      envDefault:"90"`
	StrictBudget          bool `env:"STRICT_BUDGET"           envDefault:"false"`

	BatchSize        int           `env:"BATCH_SIZE"        envDefault:"100"`
	PollInterval     time.Duration `env:"POLL_INTERVAL"     envDefault:"1s"`
	ShutdownGrace    time.Duration `env:"SHUTDOWN_GRACE"    envDefault:"10s"`
	SnapshotInterval int64         `env:"SNAPSHOT_INTERVAL" envDefault:"100"`

	NotifyChannel string `env:"NOTIFY_CHANNEL" envDefault:"praecepta_events"`

	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME"  envDefault:"praecepta"`
}

// ParseEnv loads target from PRAECEPTA_* environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: Prefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the process configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	if _, err := migrations.ParseDialect(c.Driver); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.DSN == "" {
		return errors.New("config: DSN is required")
	}
	if c.SnapshotInterval < 0 {
		return errors.New("config: snapshot interval must not be negative")
	}
	return nil
}

// Dialect returns the configured SQL dialect.
func (c Config) Dialect() migrations.Dialect {
	return migrations.Dialect(c.Driver)
}

// ProcessorConfig applies the projection settings to base.
func (c Config) ProcessorConfig(base projection.ProcessorConfig) projection.ProcessorConfig {
	base.BatchSize = c.BatchSize
	base.PollInterval = c.PollInterval
	base.ShutdownGrace = c.ShutdownGrace
	return base
}

// RepositoryConfig applies the aggregate settings to base.
func (c Config) RepositoryConfig(base aggregate.Config) aggregate.Config {
	base.SnapshotInterval = c.SnapshotInterval
	return base
}
