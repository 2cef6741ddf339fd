package transaction

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle is the opaque token for an in-flight transaction. It is valid from Begin until
// the matching Commit or Rollback and must not be shared across units of work.
type Handle interface {
	// ID identifies the transaction in logs and traces.
	ID() string

	// Context returns the context bound to the transaction. Data-access code reads the
	// underlying transaction from it.
	Context() context.Context

	// SetRollbackOnly asks the runner to roll back even if the unit of work succeeds.
	SetRollbackOnly()

	// IsRollbackOnly reports whether SetRollbackOnly or SetGlobalRollbackOnly was called.
	IsRollbackOnly() bool

	// IsGlobalRollbackOnly reports whether a participant that joined this transaction
	// rolled back. The runner then fails the transaction with ErrUnexpectedRollback.
	IsGlobalRollbackOnly() bool

	// IsCompleted reports whether the handle was committed or rolled back.
	IsCompleted() bool
}

// Status is the base handle embedded by managers.
type Status struct {
	id           string
	ctx          context.Context
	rollbackOnly atomic.Bool
	global       atomic.Bool
	completed    atomic.Bool
}

// NewStatus creates a handle bound to ctx.
func NewStatus(ctx context.Context) *Status {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Status{id: uuid.NewString(), ctx: ctx}
}

// ID implements Handle.
func (s *Status) ID() string { return s.id }

// Context implements Handle.
func (s *Status) Context() context.Context { return s.ctx }

// SetRollbackOnly implements Handle.
func (s *Status) SetRollbackOnly() { s.rollbackOnly.Store(true) }

// SetGlobalRollbackOnly is called by managers when a joined participant rolls back.
func (s *Status) SetGlobalRollbackOnly() { s.global.Store(true) }

// IsRollbackOnly implements Handle.
func (s *Status) IsRollbackOnly() bool { return s.rollbackOnly.Load() || s.global.Load() }

// IsGlobalRollbackOnly implements Handle.
func (s *Status) IsGlobalRollbackOnly() bool { return s.global.Load() }

// IsCompleted implements Handle.
func (s *Status) IsCompleted() bool { return s.completed.Load() }

// Complete consumes the handle. Every call after the first returns ErrHandleCompleted.
func (s *Status) Complete() error {
	if !s.completed.CompareAndSwap(false, true) {
		return ErrHandleCompleted
	}
	return nil
}
