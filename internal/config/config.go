// Package config loads process configuration in three layers: built-in
// defaults, an optional YAML file, then LIVEBID_ environment variables.
// Nested keys use a double underscore, e.g. LIVEBID_DATABASE__URL.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "LIVEBID_"

// Storage backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Environment string `koanf:"environment" validate:"required,oneof=development test production"`
	LogLevel    string `koanf:"log_level" validate:"required,oneof=debug info warn error"`
	Store       string `koanf:"store" validate:"required,oneof=memory postgres"`

	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	RabbitMQ   RabbitMQConfig   `koanf:"rabbitmq"`
	Auth       AuthConfig       `koanf:"auth"`
	Bids       BidsConfig       `koanf:"bids"`
	Settlement SettlementConfig `koanf:"settlement"`
	Sweeper    LoopConfig       `koanf:"sweeper"`
	Relay      LoopConfig       `koanf:"relay"`
}

type ServerConfig struct {
	Addr              string        `koanf:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	URL           string        `koanf:"url"`
	MaxConns      int32         `koanf:"max_conns" validate:"gte=0"`
	LockTimeout   time.Duration `koanf:"lock_timeout" validate:"gte=0"`
	MigrationsDir string        `koanf:"migrations_dir"`
	AutoMigrate   bool          `koanf:"auto_migrate"`
}

// RedisConfig enables the auction detail cache when Addr is set
type RedisConfig struct {
	Addr      string        `koanf:"addr"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db" validate:"gte=0"`
	DetailTTL time.Duration `koanf:"detail_ttl" validate:"gt=0"`
}

type RabbitMQConfig struct {
	URL      string `koanf:"url"`
	Exchange string `koanf:"exchange" validate:"required"`
}

// AuthConfig points at the identity provider's RS256 public key
type AuthConfig struct {
	PublicKeyPath string `koanf:"public_key_path"`
	Issuer        string `koanf:"issuer"`
}

type BidsConfig struct {
	MaxAttempts int `koanf:"max_attempts" validate:"min=1,max=20"`
}

type SettlementConfig struct {
	HandoffTimeout     time.Duration `koanf:"handoff_timeout" validate:"gt=0"`
	HandoffMaxAttempts int           `koanf:"handoff_max_attempts" validate:"min=1"`
	ReconcileInterval  time.Duration `koanf:"reconcile_interval" validate:"gt=0"`
	ReconcileGrace     time.Duration `koanf:"reconcile_grace" validate:"gte=0"`
	ReconcileBatchSize int           `koanf:"reconcile_batch_size" validate:"min=1"`
}

// LoopConfig configures a polling background loop
type LoopConfig struct {
	Interval  time.Duration `koanf:"interval" validate:"gt=0"`
	BatchSize int           `koanf:"batch_size" validate:"min=1"`
}

// Defaults is the configuration of a local development process
func Defaults() Config {
	return Config{
		Environment: "development",
		LogLevel:    "info",
		Store:       StorePostgres,
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:      20,
			LockTimeout:   3 * time.Second,
			MigrationsDir: "migrations",
		},
		Redis: RedisConfig{
			DetailTTL: 30 * time.Second,
		},
		RabbitMQ: RabbitMQConfig{
			Exchange: "auction.events",
		},
		Bids: BidsConfig{
			MaxAttempts: 5,
		},
		Settlement: SettlementConfig{
			HandoffTimeout:     5 * time.Second,
			HandoffMaxAttempts: 3,
			ReconcileInterval:  30 * time.Second,
			ReconcileGrace:     time.Minute,
			ReconcileBatchSize: 50,
		},
		Sweeper: LoopConfig{Interval: 5 * time.Second, BatchSize: 50},
		Relay:   LoopConfig{Interval: time.Second, BatchSize: 10},
	}
}

// Load layers defaults, the YAML file at path (skipped when empty) and the environment
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps LIVEBID_SETTLEMENT__HANDOFF_TIMEOUT to settlement.handoff_timeout
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks field ranges and the settings each backend needs
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config %s: failed %s %s", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Store == StorePostgres && c.Database.URL == "" {
		return errors.New("invalid config: database.url is required for the postgres store")
	}
	return nil
}

// SlogLevel converts LogLevel for slog.HandlerOptions
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
