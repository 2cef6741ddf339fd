// Package sqldb implements transaction.Manager over database/sql. The postgres, mysql and
// sqlite packages open a DB with their driver and return it.
package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/txrunner/pkg/observability/logger"
)

// Config holds connection pool configuration
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// Option customizes a DB.
type Option func(*DB)

// WithSystemErrorClassifier reports which driver failures mean the connection or server is
// unusable. Matching commit and rollback failures are returned as *transaction.SystemError.
func WithSystemErrorClassifier(fn func(error) bool) Option {
	return func(d *DB) {
		if fn != nil {
			d.isSystem = fn
		}
	}
}

// WithName sets the name used in log messages.
func WithName(name string) Option {
	return func(d *DB) { d.name = name }
}

// DB is a pooled database that acts as a transaction manager and as the executor the
// unit of work uses. Statements run inside the transaction bound to the context when there is one.
type DB struct {
	db       *sql.DB
	logger   logger.Logger
	config   Config
	name     string
	isSystem func(error) bool
}

// Open opens a pool with driverName, applies the pool settings and verifies the connection.
func Open(driverName string, cfg Config, log logger.Logger, opts ...Option) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open(driverName, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := New(db, cfg, log, append([]Option{WithName(driverName)}, opts...)...)
	d.logger.Info("database connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
		"conn_max_idle_time", cfg.ConnMaxIdleTime,
	)
	return d, nil
}

// New wraps an already opened pool.
func New(db *sql.DB, cfg Config, log logger.Logger, opts ...Option) *DB {
	if log == nil {
		log = logger.NewNop()
	}
	d := &DB{
		db:       db,
		logger:   log,
		config:   cfg,
		name:     "sql",
		isSystem: isConnectionFailure,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("db", d.name)
	return d
}

// DB returns the underlying *sql.DB for direct access when needed
func (d *DB) DB() *sql.DB {
	return d.db
}

// DriverName returns the database/sql driver the pool was opened with, or "sql" for a
// pool passed to New without WithName.
func (d *DB) DriverName() string {
	return d.name
}

// Ping verifies the database connection is alive
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// HealthCheck verifies the database connection is healthy with a timeout
func (d *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.db.PingContext(ctx); err != nil {
		d.logger.Error("database health check failed", "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close gracefully closes the database connection
func (d *DB) Close() error {
	d.logger.Info("closing database connection")

	if err := d.db.Close(); err != nil {
		d.logger.Error("failed to close database connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	d.logger.Info("database connection closed successfully")
	return nil
}

func (d *DB) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.config.QueryTimeout)
}

func isConnectionFailure(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}
