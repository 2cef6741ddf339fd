// Package postgres opens a PostgreSQL pool through lib/pq and exposes it as a
// transaction manager.
package postgres

import (
	"database/sql/driver"
	"errors"

	"github.com/lib/pq"

	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/store/sqldb"
)

// Config holds PostgreSQL connection configuration
type Config = sqldb.Config

// PostgreSQLAdapter is a sqldb.DB opened with the lib/pq driver.
type PostgreSQLAdapter struct {
	*sqldb.DB
}

// NewPostgreSQLAdapter creates a new PostgreSQL adapter with connection pooling
func NewPostgreSQLAdapter(cfg Config, log logger.Logger) (*PostgreSQLAdapter, error) {
	db, err := sqldb.Open("postgres", cfg, log, sqldb.WithSystemErrorClassifier(IsConnectionError))
	if err != nil {
		return nil, err
	}
	return &PostgreSQLAdapter{DB: db}, nil
}

// SQLSTATE classes that mean the session or server is unusable.
const (
	classConnectionException  pq.ErrorClass = "08"
	classInsufficientResource pq.ErrorClass = "53"
	classOperatorIntervention pq.ErrorClass = "57"
)

// IsConnectionError reports whether err means the connection or server failed rather
// than the statement.
func IsConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Class() {
	case classConnectionException, classInsufficientResource, classOperatorIntervention:
		return true
	default:
		return false
	}
}

// IsSerializationFailure reports a serialization failure or deadlock, both of which
// PostgreSQL resolves by aborting the transaction.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// IsUniqueViolation reports a unique constraint violation (23505).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
