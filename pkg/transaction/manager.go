package transaction

import "context"

// UnitOfWork is the caller-supplied operation executed under a transaction.
type UnitOfWork[T any] func(ctx context.Context, h Handle) (T, error)

// Callback is the type-erased unit of work handed to a CallbackPreferringManager.
type Callback func(ctx context.Context, h Handle) (any, error)

// Manager owns the transaction lifecycle. The runner drives Begin, then exactly one of
// Commit or Rollback per handle.
type Manager interface {
	Begin(ctx context.Context, attr Attribute) (Handle, error)
	Commit(ctx context.Context, h Handle) error
	Rollback(ctx context.Context, h Handle) error
}

// CallbackPreferringManager takes over the whole begin/commit/rollback sequence and
// invokes the callback itself. It may run it on another goroutine, suspend or retry it.
type CallbackPreferringManager interface {
	Execute(ctx context.Context, attr Attribute, cb Callback) (any, error)
}

// Observer is notified around every Execute call. The returned function receives the
// terminal state and the failure surfaced to the caller.
type Observer interface {
	Observe(ctx context.Context, def Definition) (context.Context, func(State, error))
}
