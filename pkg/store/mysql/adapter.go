// Package mysql opens a MySQL pool through go-sql-driver/mysql and exposes it as a
// transaction manager.
package mysql

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/store/sqldb"
)

// Config holds MySQL configuration.
type Config = sqldb.Config

// MySQL server error numbers.
const (
	errDuplicateEntry  uint16 = 1062
	errLockWaitTimeout uint16 = 1205
	errDeadlock        uint16 = 1213
	errServerShutdown  uint16 = 1053
	errTooManyConns    uint16 = 1040
)

// MySQLAdapter is a sqldb.DB opened with the MySQL driver.
type MySQLAdapter struct {
	*sqldb.DB
}

// NewMySQLAdapter validates the DSN, opens the pool and pings it. It does not run
// migrations or provision the database.
func NewMySQLAdapter(cfg Config, log logger.Logger) (*MySQLAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if _, err := mysql.ParseDSN(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid mysql DSN: %w", err)
	}

	db, err := sqldb.Open("mysql", cfg, log, options()...)
	if err != nil {
		return nil, err
	}
	return &MySQLAdapter{DB: db}, nil
}

func options() []sqldb.Option {
	return []sqldb.Option{
		sqldb.WithName("mysql"),
		sqldb.WithSystemErrorClassifier(IsConnectionError),
	}
}

// IsConnectionError reports whether err means the connection or server failed.
func IsConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == errServerShutdown || myErr.Number == errTooManyConns
}

// IsDeadlock reports a deadlock or lock wait timeout.
func IsDeadlock(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == errDeadlock || myErr.Number == errLockWaitTimeout
}

// IsDuplicateEntry reports a duplicate key error.
func IsDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}
