// Package sqlite opens an embedded SQLite database through modernc.org/sqlite and
// exposes it as a transaction manager. It backs local txctl runs and end-to-end tests.
package sqlite

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/store/sqldb"
)

// Config holds SQLite configuration. URL is a file path or ":memory:".
type Config = sqldb.Config

const defaultPragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// SQLiteAdapter is a sqldb.DB opened with the pure-Go SQLite driver.
type SQLiteAdapter struct {
	*sqldb.DB
}

// NewSQLiteAdapter opens the database. An in-memory database is limited to one
// connection, so RequiresNew propagation blocks on it.
func NewSQLiteAdapter(cfg Config, log logger.Logger) (*SQLiteAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if isMemory(cfg.URL) {
		cfg.MaxOpenConns = 1
	}
	cfg.URL = DSN(cfg.URL)

	db, err := sqldb.Open("sqlite", cfg, log,
		sqldb.WithSystemErrorClassifier(IsSystemError),
	)
	if err != nil {
		return nil, err
	}
	return &SQLiteAdapter{DB: db}, nil
}

// DSN adds the default pragmas unless the caller already set some.
func DSN(path string) string {
	path = strings.TrimPrefix(path, "sqlite://")
	if strings.Contains(path, "_pragma=") {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + defaultPragmas
	}
	return path + "?" + defaultPragmas
}

func isMemory(path string) bool {
	return strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory")
}

func primaryCode(err error) (int, bool) {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return 0, false
	}
	return sqliteErr.Code() & 0xff, true
}

// IsSystemError reports failures of the database file or I/O layer.
func IsSystemError(err error) bool {
	code, ok := primaryCode(err)
	if !ok {
		return false
	}
	switch code {
	case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_FULL,
		sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB:
		return true
	default:
		return false
	}
}

// IsBusy reports that the database was locked by another connection.
func IsBusy(err error) bool {
	code, ok := primaryCode(err)
	return ok && (code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED)
}

// IsConstraintViolation reports a UNIQUE, NOT NULL, CHECK or foreign key violation.
func IsConstraintViolation(err error) bool {
	code, ok := primaryCode(err)
	return ok && code == sqlite3.SQLITE_CONSTRAINT
}
