// Package pgxstore implements transaction.Manager on a pgx connection pool.
package pgxstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/transaction"
)

// Pool is the subset of *pgxpool.Pool the manager uses.
type Pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

var (
	_ Pool                = (*pgxpool.Pool)(nil)
	_ transaction.Manager = (*Manager)(nil)
)

// Config configures the pool created by Open.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithStatementTimeout sets the statement_timeout applied to transactions whose
// definition has no timeout of its own.
func WithStatementTimeout(d time.Duration) Option {
	return func(m *Manager) { m.statementTimeout = d }
}

// Manager runs transactions on a pgx pool and executes statements in the transaction
// bound to the context.
type Manager struct {
	pool             Pool
	logger           logger.Logger
	statementTimeout time.Duration
}

// Open creates a pool from cfg and verifies the connection.
func Open(ctx context.Context, cfg Config, log logger.Logger, opts ...Option) (*Manager, *pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("database URL is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pgx config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool, log, opts...), pool, nil
}

// New creates a manager on an existing pool.
func New(pool Pool, log logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	m := &Manager{pool: pool, logger: log.With("db", "pgx")}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type txKey struct{}

type handle struct {
	*transaction.Status
	owner *Manager
	tx     pgx.Tx
	outer  *handle
	cancel context.CancelFunc
}

func (h *handle) pgxTx() pgx.Tx {
	if h.outer != nil {
		return h.outer.pgxTx()
	}
	return h.tx
}

// GetTx returns the pgx transaction bound to ctx, or nil.
func GetTx(ctx context.Context) pgx.Tx {
	if h, ok := ctx.Value(txKey{}).(*handle); ok {
		return h.pgxTx()
	}
	return nil
}

func (m *Manager) current(ctx context.Context) *handle {
	h, ok := ctx.Value(txKey{}).(*handle)
	if !ok || h.owner != m || h.pgxTx() == nil {
		return nil
	}
	return h
}

// Begin implements transaction.Manager.
func (m *Manager) Begin(ctx context.Context, attr transaction.Attribute) (transaction.Handle, error) {
	def := attr.Definition()
	existing := m.current(ctx)

	switch def.Propagation {
	case transaction.PropagationRequired, transaction.PropagationSupports:
		if existing != nil {
			return &handle{Status: transaction.NewStatus(ctx), owner: m, outer: existing}, nil
		}
		if def.Propagation == transaction.PropagationSupports {
			return &handle{Status: transaction.NewStatus(ctx), owner: m}, nil
		}
	case transaction.PropagationNever:
		if existing != nil {
			return nil, &transaction.BeginError{Err: transaction.ErrExistingTransaction}
		}
		return &handle{Status: transaction.NewStatus(ctx), owner: m}, nil
	case transaction.PropagationRequiresNew:
	default:
		return nil, &transaction.BeginError{Err: fmt.Errorf("unsupported propagation: %s", def.Propagation)}
	}

	opts, err := TxOptions(def)
	if err != nil {
		return nil, &transaction.BeginError{Err: err}
	}

	// the definition's timeout bounds the handle's context; statement_timeout
	// enforces it server side as well
	cancel := context.CancelFunc(func() {})
	if def.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
	}
	tx, err := m.pool.BeginTx(ctx, opts)
	if err != nil {
		cancel()
		return nil, &transaction.BeginError{Err: m.classify("begin", err)}
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = m.statementTimeout
	}
	if timeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", timeout.Milliseconds())); err != nil {
			_ = tx.Rollback(context.Background())
			cancel()
			return nil, &transaction.BeginError{Err: fmt.Errorf("set statement_timeout: %w", err)}
		}
	}

	h := &handle{owner: m, tx: tx, cancel: cancel}
	h.Status = transaction.NewStatus(context.WithValue(ctx, txKey{}, h))
	return h, nil
}

// Commit implements transaction.Manager.
func (m *Manager) Commit(ctx context.Context, th transaction.Handle) error {
	h, err := m.claim(th)
	if err != nil {
		return err
	}
	defer h.release()
	if h.outer != nil {
		if h.IsRollbackOnly() {
			h.outer.SetGlobalRollbackOnly()
		}
		return nil
	}
	if h.tx == nil {
		return nil
	}
	if err := h.tx.Commit(ctx); err != nil {
		return m.classify("commit", err)
	}
	return nil
}

// Rollback implements transaction.Manager. A background context is used so the
// rollback completes even when ctx was cancelled.
func (m *Manager) Rollback(ctx context.Context, th transaction.Handle) error {
	h, err := m.claim(th)
	if err != nil {
		return err
	}
	defer h.release()
	if h.outer != nil {
		h.outer.SetGlobalRollbackOnly()
		return nil
	}
	if h.tx == nil {
		return nil
	}
	if err := h.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return nil
		}
		m.logger.Error("rollback failed", "tx_id", h.ID(), "error", err)
		return m.classify("rollback", err)
	}
	return nil
}

func (h *handle) release() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (m *Manager) claim(th transaction.Handle) (*handle, error) {
	h, ok := th.(*handle)
	if !ok || h.owner != m {
		return nil, transaction.ErrForeignHandle
	}
	if err := h.Complete(); err != nil {
		return nil, err
	}
	return h, nil
}

func (m *Manager) classify(op string, err error) error {
	if IsConnectionError(err) {
		return transaction.NewSystemError(op, err)
	}
	return err
}

// TxOptions maps a definition to pgx transaction options.
func TxOptions(def transaction.Definition) (pgx.TxOptions, error) {
	opts := pgx.TxOptions{AccessMode: pgx.ReadWrite}
	if def.ReadOnly {
		opts.AccessMode = pgx.ReadOnly
	}
	switch def.Isolation {
	case sql.LevelDefault:
	case sql.LevelReadUncommitted:
		opts.IsoLevel = pgx.ReadUncommitted
	case sql.LevelReadCommitted:
		opts.IsoLevel = pgx.ReadCommitted
	case sql.LevelRepeatableRead:
		opts.IsoLevel = pgx.RepeatableRead
	case sql.LevelSerializable:
		opts.IsoLevel = pgx.Serializable
	default:
		return opts, fmt.Errorf("isolation level %s not supported by postgres", def.Isolation)
	}
	return opts, nil
}

// IsConnectionError reports connection-level failures.
func IsConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "08", "53", "57":
		return true
	default:
		return false
	}
}

// IsSerializationFailure reports 40001 or 40P01.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}
