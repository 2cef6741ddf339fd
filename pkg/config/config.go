// Package config loads txrunner configuration from defaults, a YAML/JSON/TOML file, an
// optional secrets file, environment variables and command-line flags.
package config

import (
	"fmt"
	"time"

	"github.com/nimburion/txrunner/pkg/transaction"
)

// Database types understood by the CLI factory.
const (
	DatabaseTypePostgres     = "postgres"
	DatabaseTypeMySQL        = "mysql"
	DatabaseTypePgx          = "pgx"
	DatabaseTypeSQLite       = "sqlite"
	DatabaseTypeGormPostgres = "gorm-postgres"
	DatabaseTypeGormSQLite   = "gorm-sqlite"
)

// DefaultEnvPrefix prefixes every environment variable, e.g. TXR_DATABASE_URL.
const DefaultEnvPrefix = "TXR"

// Config is the root configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Transaction   TransactionConfig   `mapstructure:"transaction"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServiceConfig identifies the process in logs, traces and metrics.
type ServiceConfig struct {
	Name        string `mapstructure:"name" flag:"service-name" flag_usage:"service name reported in logs and traces"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig configures the transaction manager and its connection pool.
type DatabaseConfig struct {
	Type            string        `mapstructure:"type" flag:"database-type" flag_usage:"postgres, mysql, pgx, sqlite, gorm-postgres or gorm-sqlite"`
	URL             string        `mapstructure:"url" flag:"database-url" flag_usage:"database connection URL or DSN"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" flag:"query-timeout"`
	// StatementTimeout is enforced server-side by the pgx manager.
	StatementTimeout time.Duration        `mapstructure:"statement_timeout"`
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig makes Begin fail fast after consecutive connection failures.
// Disabled when MaxFailures is zero.
type CircuitBreakerConfig struct {
	MaxFailures  int           `mapstructure:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// TransactionConfig is the transaction definition applied to every execution.
type TransactionConfig struct {
	Name        string        `mapstructure:"name" flag:"tx-name" flag_usage:"transaction name used in logs, spans and metrics"`
	Isolation   string        `mapstructure:"isolation" flag:"isolation" flag_usage:"default, read_uncommitted, read_committed, repeatable_read or serializable"`
	ReadOnly    bool          `mapstructure:"read_only" flag:"read-only" flag_usage:"begin a read-only transaction"`
	Timeout     time.Duration `mapstructure:"timeout" flag:"tx-timeout" flag_usage:"transaction deadline, 0 for none"`
	Propagation string        `mapstructure:"propagation"`
}

// ObservabilityConfig configures logging, metrics, and tracing
type ObservabilityConfig struct {
	LogLevel          string             `mapstructure:"log_level" flag:"log-level"`
	LogFormat         string             `mapstructure:"log_format"` // json, text
	AsyncLogging      AsyncLoggingConfig `mapstructure:"async_logging"`
	MetricsEnabled    bool               `mapstructure:"metrics_enabled" flag:"metrics" flag_usage:"print transaction metrics after execution"`
	TracingEnabled    bool               `mapstructure:"tracing_enabled"`
	TracingEndpoint   string             `mapstructure:"tracing_endpoint"`
	TracingSampleRate float64            `mapstructure:"tracing_sample_rate"`
}

// AsyncLoggingConfig configures optional asynchronous logger dispatching.
type AsyncLoggingConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	QueueSize    int  `mapstructure:"queue_size"`
	WorkerCount  int  `mapstructure:"worker_count"`
	DropWhenFull bool `mapstructure:"drop_when_full"`
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "txctl",
			Environment: "development",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				ResetTimeout: 30 * time.Second,
			},
		},
		Transaction: TransactionConfig{
			Isolation:   "default",
			Propagation: "required",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			AsyncLogging: AsyncLoggingConfig{
				QueueSize:   1024,
				WorkerCount: 1,
			},
			TracingSampleRate: 0.1,
		},
	}
}

// Definition converts the transaction section into a transaction.Definition.
func (c *Config) Definition() (transaction.Definition, error) {
	iso, err := transaction.ParseIsolation(c.Transaction.Isolation)
	if err != nil {
		return transaction.Definition{}, fmt.Errorf("transaction.isolation: %w", err)
	}
	prop, err := transaction.ParsePropagation(c.Transaction.Propagation)
	if err != nil {
		return transaction.Definition{}, fmt.Errorf("transaction.propagation: %w", err)
	}
	return transaction.Definition{
		Name:        c.Transaction.Name,
		Isolation:   iso,
		ReadOnly:    c.Transaction.ReadOnly,
		Timeout:     c.Transaction.Timeout,
		Propagation: prop,
	}, nil
}
