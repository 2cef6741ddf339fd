package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimburion/txrunner/pkg/observability/logger"
)

// State tracks a single Execute call.
type State int

// State constants. Committed, CommitFailed, RolledBack, RollbackFailed and Delegated are terminal.
const (
	StateNotStarted State = iota
	StateBegun
	StateCommitted
	StateCommitFailed
	StateRollingBack
	StateRolledBack
	StateRollbackFailed
	// StateDelegated means a callback-preferring manager drove the transaction.
	StateDelegated
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateBegun:
		return "begun"
	case StateCommitted:
		return "committed"
	case StateCommitFailed:
		return "commit_failed"
	case StateRollingBack:
		return "rolling_back"
	case StateRolledBack:
		return "rolled_back"
	case StateRollbackFailed:
		return "rollback_failed"
	case StateDelegated:
		return "delegated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Runner executes units of work under transactional semantics. It holds no mutable
// state and is safe for concurrent use.
type Runner struct {
	driver    driver
	attribute Attribute
	logger    logger.Logger
	declared  func(error) bool
	observers []Observer
}

// Option configures a Runner.
type Option func(*Runner)

// WithAttribute sets the attribute; the default rolls back on any failure.
func WithAttribute(attr Attribute) Option {
	return func(r *Runner) { r.attribute = attr }
}

// WithLogger sets the logger used for rollback diagnostics.
func WithLogger(log logger.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.logger = log
		}
	}
}

// WithDeclaredErrors restricts the failures a unit of work may return. Anything else is
// surfaced as *UndeclaredError after the commit/rollback decision.
func WithDeclaredErrors(declared func(error) bool) Option {
	return func(r *Runner) { r.declared = declared }
}

// WithObserver adds an observer notified around every Execute call.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// NewRunner creates a runner that drives begin/commit/rollback on m itself.
func NewRunner(m Manager, opts ...Option) (*Runner, error) {
	if m == nil {
		return nil, ErrNilManager
	}
	return newRunner(directDriver{manager: m}, opts)
}

// NewCallbackRunner creates a runner that hands the whole sequence to m.
func NewCallbackRunner(m CallbackPreferringManager, opts ...Option) (*Runner, error) {
	if m == nil {
		return nil, ErrNilManager
	}
	return newRunner(callbackDriver{manager: m}, opts)
}

func newRunner(d driver, opts []Option) (*Runner, error) {
	r := &Runner{
		driver:    d,
		attribute: NewDefaultAttribute(Definition{}),
		logger:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.attribute == nil {
		return nil, ErrNilAttribute
	}
	return r, nil
}

// Attribute returns the attribute consulted on failure.
func (r *Runner) Attribute() Attribute {
	return r.attribute
}

// Execute runs work exactly once in a transaction and returns its result or failure.
// A fatal panic inside work is re-raised after the transaction is completed.
func Execute[T any](ctx context.Context, r *Runner, work UnitOfWork[T]) (T, error) {
	value, _, err := ExecuteWithOutcome(ctx, r, work)
	return value, err
}

// ExecuteWithOutcome is Execute that also reports how the transaction ended, so callers can
// tell a rolled-back failure from one committed by policy.
func ExecuteWithOutcome[T any](ctx context.Context, r *Runner, work UnitOfWork[T]) (T, State, error) {
	var zero T
	if work == nil {
		return zero, StateNotStarted, ErrNilUnitOfWork
	}

	ctx, done := r.observe(ctx)
	res := r.driver.run(ctx, r, func(ctx context.Context, h Handle) (any, error) {
		ctx = logger.ContextWith(ctx, "tx_id", h.ID(), "tx_name", r.attribute.Definition().Name)
		return work(ctx, h)
	})

	if res.fatal != nil {
		done(res.state, res.fatal)
		panic(res.fatal.Value)
	}
	done(res.state, res.err)

	if res.err != nil {
		return zero, res.state, res.err
	}
	if res.value == nil {
		return zero, res.state, nil
	}
	value, ok := res.value.(T)
	if !ok {
		return zero, res.state, &UndeclaredError{
			Err: fmt.Errorf("unit of work result has type %T, want %T", res.value, zero),
		}
	}
	return value, res.state, nil
}

func (r *Runner) observe(ctx context.Context) (context.Context, func(State, error)) {
	if len(r.observers) == 0 {
		return ctx, func(State, error) {}
	}
	def := r.attribute.Definition()
	dones := make([]func(State, error), 0, len(r.observers))
	for _, o := range r.observers {
		var done func(State, error)
		ctx, done = o.Observe(ctx, def)
		dones = append(dones, done)
	}
	return ctx, func(s State, err error) {
		for i := len(dones) - 1; i >= 0; i-- {
			dones[i](s, err)
		}
	}
}

type result struct {
	value any
	state State
	err   error
	fatal *FatalError
}

// driver is the manager variant chosen at construction.
type driver interface {
	run(ctx context.Context, r *Runner, cb Callback) result
}

type callbackDriver struct {
	manager CallbackPreferringManager
}

func (d callbackDriver) run(ctx context.Context, r *Runner, cb Callback) (res result) {
	defer func() {
		if p := recover(); p != nil {
			res = result{state: StateDelegated, fatal: &FatalError{Value: p}}
		}
	}()
	value, err := d.manager.Execute(ctx, r.attribute, cb)
	return result{value: value, state: StateDelegated, err: err}
}

type directDriver struct {
	manager Manager
}

func (d directDriver) run(ctx context.Context, r *Runner, cb Callback) result {
	h, err := d.manager.Begin(ctx, r.attribute)
	if err != nil {
		var beginErr *BeginError
		if !errors.As(err, &beginErr) {
			err = &BeginError{Err: err}
		}
		return result{state: StateNotStarted, err: err}
	}

	workCtx := h.Context()
	if workCtx == nil {
		workCtx = ctx
	}
	log := r.logger.WithContext(logger.ContextWith(workCtx, "tx_id", h.ID()))

	a := invoke(workCtx, h, cb)
	cause := a.err
	if a.err != nil && r.declared != nil && !r.declared(a.err) {
		var undecl *UndeclaredError
		if !errors.As(a.err, &undecl) {
			a.err = &UndeclaredError{Err: a.err}
		}
	}

	switch {
	case a.fatal != nil:
		state, err := d.complete(ctx, r, log, h, a.fatal, a.fatal)
		if err != nil {
			return result{state: state, err: err}
		}
		return result{state: state, fatal: a.fatal}

	case a.err != nil:
		state, err := d.complete(ctx, r, log, h, cause, a.err)
		if err != nil {
			return result{state: state, err: err}
		}
		return result{state: state, err: a.err}

	case h.IsRollbackOnly():
		log.Debug("rolling back transaction marked rollback-only")
		if err := d.manager.Rollback(ctx, h); err != nil {
			return result{state: StateRollbackFailed, err: rollbackFailure(err, nil)}
		}
		if h.IsGlobalRollbackOnly() {
			log.Warn("transaction rolled back because a joined participant rolled back")
			return result{state: StateRolledBack, err: ErrUnexpectedRollback}
		}
		return result{value: a.value, state: StateRolledBack}

	default:
		if err := d.manager.Commit(ctx, h); err != nil {
			return result{state: StateCommitFailed, err: &CommitError{Err: err}}
		}
		return result{value: a.value, state: StateCommitted}
	}
}

// complete resolves a failed unit of work. The attribute decides on cause; failure is
// what the caller receives. The returned error is non-nil only when completing the
// transaction itself failed.
func (d directDriver) complete(ctx context.Context, r *Runner, log logger.Logger, h Handle, cause, failure error) (State, error) {
	if !h.IsRollbackOnly() && !r.attribute.RollbackOn(cause) {
		log.Warn("committing transaction despite application error", "error", failure)
		if err := d.manager.Commit(ctx, h); err != nil {
			return StateCommitFailed, &CommitError{Err: err, Original: failure}
		}
		return StateCommitted, nil
	}

	log.Debug("initiating transaction rollback on application error", "error", failure)
	if err := d.manager.Rollback(ctx, h); err != nil {
		rbErr := rollbackFailure(err, failure)
		log.Error("application error overridden by rollback error",
			"error", failure,
			"rollback_error", err,
			"system", rbErr.System,
		)
		return StateRollbackFailed, rbErr
	}
	return StateRolledBack, nil
}

func rollbackFailure(err, original error) *RollbackError {
	var sysErr *SystemError
	return &RollbackError{Err: err, Original: original, System: errors.As(err, &sysErr)}
}

type attempt struct {
	value any
	err   error
	fatal *FatalError
}

func invoke(ctx context.Context, h Handle, cb Callback) (a attempt) {
	defer func() {
		if p := recover(); p != nil {
			undecl, fatal := classifyPanic(p)
			a = attempt{fatal: fatal}
			if undecl != nil {
				a.err = undecl
			}
		}
	}()
	value, err := cb(ctx, h)
	return attempt{value: value, err: err}
}
