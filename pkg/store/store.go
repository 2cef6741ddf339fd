// Package store opens the transaction manager selected by configuration.
package store

import (
	"context"
	"time"

	"github.com/nimburion/txrunner/pkg/resilience"
	"github.com/nimburion/txrunner/pkg/store/sqldb"
	"github.com/nimburion/txrunner/pkg/transaction"
)

// Adapter is the minimal lifecycle and health contract for storage adapters.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// BatchExecutor runs one statement per row inside the transaction bound to the context.
// Each backend uses its driver's placeholder syntax.
type BatchExecutor interface {
	BatchUpdate(ctx context.Context, query string, rows [][]any) ([]int64, error)
	NamedBatchUpdate(ctx context.Context, query string, rows []map[string]any) ([]int64, error)
}

// Backend is an opened database together with the manager that drives its transactions.
// Exactly one of manager and callback is set.
type Backend struct {
	Adapter
	BatchExecutor

	Type     string
	manager  transaction.Manager
	callback transaction.CallbackPreferringManager
	sql      *sqldb.DB
	breaker  *resilience.CircuitBreaker
}

// NewRunner builds a runner over the backend's manager.
func (b *Backend) NewRunner(opts ...transaction.Option) (*transaction.Runner, error) {
	if b.callback != nil {
		return transaction.NewCallbackRunner(b.callback, opts...)
	}
	return transaction.NewRunner(b.manager, opts...)
}

// CallbackPreferring reports whether the backend drives transactions itself.
func (b *Backend) CallbackPreferring() bool {
	return b.callback != nil
}

// SQL returns the database/sql pool for the postgres, mysql and sqlite types.
func (b *Backend) SQL() (*sqldb.DB, bool) {
	return b.sql, b.sql != nil
}

// Breaker returns the circuit breaker guarding the manager, or nil when none is configured.
func (b *Backend) Breaker() *resilience.CircuitBreaker {
	return b.breaker
}

// guard puts the manager behind a circuit breaker.
func (b *Backend) guard(maxFailures int, resetTimeout time.Duration) {
	b.breaker = resilience.NewCircuitBreaker(maxFailures, resetTimeout)
	if b.callback != nil {
		b.callback = resilience.NewCallbackManager(b.callback, b.breaker)
		return
	}
	b.manager = resilience.NewManager(b.manager, b.breaker)
}
