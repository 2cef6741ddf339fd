package resilience

import (
	"context"
	"errors"

	"github.com/nimburion/txrunner/pkg/transaction"
)

// Trips reports whether err means the database is unavailable. Begin failures count,
// except propagation conflicts, and so do system errors from commit or rollback.
func Trips(err error) bool {
	if err == nil || errors.Is(err, transaction.ErrExistingTransaction) {
		return false
	}
	var (
		beginErr *transaction.BeginError
		sysErr   *transaction.SystemError
	)
	return errors.As(err, &beginErr) || errors.As(err, &sysErr)
}

// Manager wraps a transaction.Manager. Begin fails with a *transaction.BeginError wrapping
// ErrCircuitBreakerOpen while the breaker is open.
type Manager struct {
	next transaction.Manager
	cb   *CircuitBreaker
}

var _ transaction.Manager = (*Manager)(nil)

// NewManager guards next with cb.
func NewManager(next transaction.Manager, cb *CircuitBreaker) *Manager {
	return &Manager{next: next, cb: cb}
}

// Begin implements transaction.Manager.
func (m *Manager) Begin(ctx context.Context, attr transaction.Attribute) (transaction.Handle, error) {
	if err := m.cb.Allow(); err != nil {
		return nil, &transaction.BeginError{Err: err}
	}
	h, err := m.next.Begin(ctx, attr)
	if err != nil {
		var beginErr *transaction.BeginError
		if !errors.As(err, &beginErr) {
			err = &transaction.BeginError{Err: err}
		}
	}
	m.record(err)
	return h, err
}

// Commit implements transaction.Manager.
func (m *Manager) Commit(ctx context.Context, h transaction.Handle) error {
	err := m.next.Commit(ctx, h)
	m.record(err)
	return err
}

// Rollback implements transaction.Manager.
func (m *Manager) Rollback(ctx context.Context, h transaction.Handle) error {
	err := m.next.Rollback(ctx, h)
	m.record(err)
	return err
}

func (m *Manager) record(err error) {
	if err == nil || Trips(err) {
		m.cb.Record(err)
	}
}

// CallbackManager is Manager for callback-preferring managers. Only begin and system
// failures trip the breaker; failures of the unit of work pass through uncounted.
type CallbackManager struct {
	next transaction.CallbackPreferringManager
	cb   *CircuitBreaker
}

var _ transaction.CallbackPreferringManager = (*CallbackManager)(nil)

// NewCallbackManager guards next with cb.
func NewCallbackManager(next transaction.CallbackPreferringManager, cb *CircuitBreaker) *CallbackManager {
	return &CallbackManager{next: next, cb: cb}
}

// Execute implements transaction.CallbackPreferringManager.
func (m *CallbackManager) Execute(ctx context.Context, attr transaction.Attribute, cb transaction.Callback) (any, error) {
	if err := m.cb.Allow(); err != nil {
		return nil, &transaction.BeginError{Err: err}
	}
	v, err := m.next.Execute(ctx, attr, cb)
	if Trips(err) {
		m.cb.Record(err)
	} else {
		m.cb.Record(nil)
	}
	return v, err
}
