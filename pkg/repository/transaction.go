// Package repository adapts the transaction runner to repository-style callers and provides
// optimistic locking for versioned rows.
package repository

import (
	"context"

	"github.com/nimburion/txrunner/pkg/transaction"
)

// TransactionManager provides transaction management capabilities
type TransactionManager interface {
	// WithTransaction executes fn within a transaction. The outcome follows the runner's
	// attribute: by default a failure rolls back and success commits.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type runnerTransactionManager struct {
	runner *transaction.Runner
}

// NewTransactionManager exposes r as a TransactionManager.
func NewTransactionManager(r *transaction.Runner) TransactionManager {
	return runnerTransactionManager{runner: r}
}

func (m runnerTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := transaction.Execute(ctx, m.runner, func(ctx context.Context, _ transaction.Handle) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
