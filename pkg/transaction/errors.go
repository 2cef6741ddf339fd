package transaction

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// ErrHandleCompleted is returned when a handle is committed or rolled back twice.
	ErrHandleCompleted = errors.New("transaction handle already completed")
	// ErrForeignHandle is returned when a manager receives a handle it did not issue.
	ErrForeignHandle = errors.New("transaction handle was not issued by this manager")
	// ErrExistingTransaction is returned for PropagationNever when a transaction is bound to the context.
	ErrExistingTransaction = errors.New("existing transaction found for propagation never")
	// ErrNilManager is returned when a runner is built without a manager.
	ErrNilManager = errors.New("transaction manager is required")
	// ErrNilAttribute is returned when a runner is built with a nil attribute.
	ErrNilAttribute = errors.New("transaction attribute is required")
	// ErrUnexpectedRollback is returned when a unit of work succeeded but its transaction
	// was rolled back because a joined participant rolled back.
	ErrUnexpectedRollback = errors.New("transaction rolled back because a joined participant rolled back")
	// ErrNilUnitOfWork is returned when Execute receives a nil unit of work.
	ErrNilUnitOfWork = errors.New("unit of work is required")
)

// Kind is the closed set of failure shapes a runner can surface.
type Kind int

// Kind constants
const (
	KindNone Kind = iota
	// KindOrdinary is a declared failure returned by the unit of work
	KindOrdinary
	// KindUnexpected is a failure the unit of work was not declared to produce
	KindUnexpected
	// KindFatal is an unrecoverable panic
	KindFatal
	// KindBegin means no transaction was started
	KindBegin
	// KindCommit means the commit itself failed
	KindCommit
	// KindRollback means the rollback itself failed
	KindRollback
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindOrdinary:
		return "ordinary"
	case KindUnexpected:
		return "unexpected"
	case KindFatal:
		return "fatal"
	case KindBegin:
		return "begin"
	case KindCommit:
		return "commit"
	case KindRollback:
		return "rollback"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classify reports the kind of a failure returned by Execute.
// Completion failures take precedence over the application failure they carry.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		rbErr     *RollbackError
		commitErr *CommitError
		beginErr  *BeginError
		fatalErr  *FatalError
		undecl    *UndeclaredError
	)
	switch {
	case errors.As(err, &rbErr):
		return KindRollback
	case errors.As(err, &commitErr):
		return KindCommit
	case errors.As(err, &beginErr):
		return KindBegin
	case errors.As(err, &fatalErr):
		return KindFatal
	case errors.As(err, &undecl):
		return KindUnexpected
	default:
		return KindOrdinary
	}
}

// BeginError reports that a transaction could not be started.
type BeginError struct {
	Err error
}

// Error implements the error interface.
func (e *BeginError) Error() string {
	return fmt.Sprintf("begin transaction: %v", e.Err)
}

// Unwrap exposes the manager failure.
func (e *BeginError) Unwrap() error { return e.Err }

// CommitError reports that the commit failed. Original is set when the commit
// was attempted despite an application failure.
type CommitError struct {
	Err      error
	Original error
}

// Error implements the error interface.
func (e *CommitError) Error() string {
	if e.Original != nil {
		return fmt.Sprintf("commit transaction: %v (application error: %v)", e.Err, e.Original)
	}
	return fmt.Sprintf("commit transaction: %v", e.Err)
}

// Unwrap exposes the commit failure and the application failure.
func (e *CommitError) Unwrap() []error {
	return nonNil(e.Err, e.Original)
}

// RollbackError reports that the rollback failed. It always takes precedence over the
// application failure, which is kept in Original.
type RollbackError struct {
	Err      error
	Original error
	// System is true when the manager reported a transaction-system-level failure,
	// meaning the resource manager state is suspect.
	System bool
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	if e.Original != nil {
		return fmt.Sprintf("rollback transaction: %v (application error overridden: %v)", e.Err, e.Original)
	}
	return fmt.Sprintf("rollback transaction: %v", e.Err)
}

// Unwrap exposes the rollback failure and the application failure.
func (e *RollbackError) Unwrap() []error {
	return nonNil(e.Err, e.Original)
}

// UndeclaredError marks a failure the unit of work was not declared to produce.
type UndeclaredError struct {
	Err error
}

// Error implements the error interface.
func (e *UndeclaredError) Error() string {
	return fmt.Sprintf("unit of work returned undeclared error: %v", e.Err)
}

// Unwrap exposes the undeclared failure.
func (e *UndeclaredError) Unwrap() error { return e.Err }

// FatalError carries a recovered panic while the commit/rollback decision is made.
// The runner re-panics with Value once the transaction is completed.
type FatalError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal failure in unit of work: %v", e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *FatalError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// SystemError is returned by managers when the transaction infrastructure itself fails.
type SystemError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *SystemError) Error() string {
	return fmt.Sprintf("transaction system failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes the driver failure.
func (e *SystemError) Unwrap() error { return e.Err }

// NewSystemError wraps a driver failure; nil stays nil.
func NewSystemError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SystemError{Op: op, Err: err}
}

// classifyPanic maps a recovered value to either an unexpected or a fatal failure.
// runtime errors and non-error values are fatal; other errors escaped through the
// wrong channel and are treated as undeclared.
func classifyPanic(p any) (*UndeclaredError, *FatalError) {
	if _, ok := p.(runtime.Error); ok {
		return nil, &FatalError{Value: p, Stack: debug.Stack()}
	}
	if fe, ok := p.(*FatalError); ok {
		return nil, fe
	}
	if err, ok := p.(error); ok {
		return &UndeclaredError{Err: err}, nil
	}
	return nil, &FatalError{Value: p, Stack: debug.Stack()}
}

func nonNil(errs ...error) []error {
	out := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
