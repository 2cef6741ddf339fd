// Package gormstore provides a transaction.CallbackPreferringManager backed by
// gorm's db.Transaction. Nested units of work run in savepoints.
package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/transaction"
)

var _ transaction.CallbackPreferringManager = (*Manager)(nil)

var errRollbackOnly = errors.New("transaction marked rollback-only")

type txKey struct{}

// Manager drives whole transactions through gorm. It never exposes begin, commit or
// rollback to the runner.
type Manager struct {
	db     *gorm.DB
	logger logger.Logger
}

// New wraps an opened gorm database.
func New(db *gorm.DB, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{db: db, logger: log.With("db", "gorm")}
}

// OpenPostgres opens a gorm database with the postgres dialector.
func OpenPostgres(url string, log logger.Logger) (*Manager, error) {
	if url == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	return open(postgres.Open(url), log)
}

// OpenSQLite opens a gorm database with the sqlite dialector on the given
// database/sql driver name.
func OpenSQLite(driverName, dsn string, log logger.Logger) (*Manager, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	return open(&sqlite.Dialector{DriverName: driverName, DSN: dsn}, log)
}

func open(dialector gorm.Dialector, log logger.Logger) (*Manager, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm database: %w", err)
	}
	return New(db, log), nil
}

// DB returns the transaction bound to ctx, or the root database.
func (m *Manager) DB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return m.db.WithContext(ctx)
}

// Close closes the underlying pool.
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type handle struct {
	*transaction.Status
}

// Execute implements transaction.CallbackPreferringManager. The attribute is applied
// inside the gorm callback: a failure the attribute does not roll back on is hidden
// from gorm so the work is committed, and is still returned.
func (m *Manager) Execute(ctx context.Context, attr transaction.Attribute, cb transaction.Callback) (any, error) {
	def := attr.Definition()
	_, inTx := ctx.Value(txKey{}).(*gorm.DB)

	var db *gorm.DB
	switch def.Propagation {
	case transaction.PropagationRequired:
		db = m.DB(ctx)
	case transaction.PropagationRequiresNew:
		db = m.db.WithContext(ctx)
	case transaction.PropagationSupports:
		if !inTx {
			return cb(ctx, &handle{Status: transaction.NewStatus(ctx)})
		}
		db = m.DB(ctx)
	case transaction.PropagationNever:
		if inTx {
			return nil, &transaction.BeginError{Err: transaction.ErrExistingTransaction}
		}
		return cb(ctx, &handle{Status: transaction.NewStatus(ctx)})
	default:
		return nil, &transaction.BeginError{Err: fmt.Errorf("unsupported propagation: %s", def.Propagation)}
	}

	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
		db = db.WithContext(ctx)
	}

	var (
		began   bool
		value   any
		workErr error
	)
	txErr := db.Transaction(func(tx *gorm.DB) error {
		began = true
		h := &handle{Status: transaction.NewStatus(context.WithValue(ctx, txKey{}, tx))}
		value, workErr = cb(h.Context(), h)
		if workErr != nil {
			if h.IsRollbackOnly() || attr.RollbackOn(workErr) {
				return workErr
			}
			m.logger.Warn("committing transaction despite application error", "error", workErr)
			return nil
		}
		if h.IsRollbackOnly() {
			return errRollbackOnly
		}
		return nil
	}, &sql.TxOptions{Isolation: def.Isolation, ReadOnly: def.ReadOnly})

	switch {
	case !began:
		return nil, &transaction.BeginError{Err: txErr}
	case errors.Is(txErr, errRollbackOnly):
		return value, nil
	case txErr == nil && workErr == nil:
		return value, nil
	case txErr == nil:
		return nil, workErr
	case workErr != nil && errors.Is(txErr, workErr):
		return nil, workErr
	default:
		return nil, &transaction.CommitError{Err: txErr, Original: workErr}
	}
}
