// Package config holds the reward engine's process configuration. Values come
// from command-line flags, falling back to environment variables, which may in
// turn be seeded from .env.local and .env files.
package config

import (
	"errors"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

var (
	ErrNoManager  = errors.New("config: manager address is required")
	ErrInvalidTTL = errors.New("config: cache ttl must be positive")
)

// Config is the server configuration.
type Config struct {
	Port string
	// DatabaseURL selects the PostgreSQL store; empty means in-memory.
	DatabaseURL string
	// RedisURL enables the read-through cache in front of PostgreSQL.
	RedisURL string
	CacheTTL time.Duration

	// ManagerAddr and OperatorAddr seed the config record on first start.
	// Once it exists they are ignored.
	ManagerAddr  string
	OperatorAddr string

	// Migrate applies the PostgreSQL schema at startup.
	Migrate         bool
	ShutdownTimeout time.Duration
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port:            "8080",
		CacheTTL:        30 * time.Second,
		Migrate:         true,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if c.ManagerAddr == "" {
		return ErrNoManager
	}
	if c.RedisURL != "" && c.CacheTTL <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// Flags returns cli flags bound to c. The current field values are the
// defaults.
func (c *Config) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "port",
			Usage:       "HTTP listen port",
			Value:       c.Port,
			Sources:     cli.EnvVars("PORT"),
			Destination: &c.Port,
		},
		&cli.StringFlag{
			Name:        "database-url",
			Usage:       "PostgreSQL connection string; in-memory store when empty",
			Value:       c.DatabaseURL,
			Sources:     cli.EnvVars("DATABASE_URL"),
			Destination: &c.DatabaseURL,
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Usage:       "Redis URL for the read-through cache (requires --database-url)",
			Value:       c.RedisURL,
			Sources:     cli.EnvVars("REDIS_URL"),
			Destination: &c.RedisURL,
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Usage:       "lifetime of cached strategies and positions",
			Value:       c.CacheTTL,
			Sources:     cli.EnvVars("CACHE_TTL"),
			Destination: &c.CacheTTL,
		},
		&cli.StringFlag{
			Name:        "manager",
			Usage:       "initial manager address",
			Value:       c.ManagerAddr,
			Sources:     cli.EnvVars("MANAGER_ADDR"),
			Destination: &c.ManagerAddr,
		},
		&cli.StringFlag{
			Name:        "operator",
			Usage:       "initial share operator address",
			Value:       c.OperatorAddr,
			Sources:     cli.EnvVars("OPERATOR_ADDR"),
			Destination: &c.OperatorAddr,
		},
		&cli.BoolFlag{
			Name:        "migrate",
			Usage:       "apply the PostgreSQL schema at startup",
			Value:       c.Migrate,
			Sources:     cli.EnvVars("MIGRATE"),
			Destination: &c.Migrate,
		},
		&cli.DurationFlag{
			Name:        "shutdown-timeout",
			Usage:       "grace period for in-flight requests on shutdown",
			Value:       c.ShutdownTimeout,
			Sources:     cli.EnvVars("SHUTDOWN_TIMEOUT"),
			Destination: &c.ShutdownTimeout,
		},
	}
}

// LoadEnvFiles loads .env.local then .env into the process environment.
// Variables already set are not overridden, and missing files are ignored.
func LoadEnvFiles(files ...string) {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err == nil {
			slog.Debug("loaded env file", "file", f)
		}
	}
}
