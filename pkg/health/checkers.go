package health

import (
	"context"
	"time"

	"github.com/nimburion/txrunner/pkg/transaction"
)

const defaultTimeout = 5 * time.Second

// Checkable is an interface for components that support health checks
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker checks any component that implements Checkable
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a checker for adapter. A zero timeout defaults to five seconds.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return result(c.name, start, c.adapter.HealthCheck(checkCtx))
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// TransactionChecker runs a probe inside a transaction and reports healthy only when the
// transaction commits. It exercises begin and commit, which a ping does not.
type TransactionChecker struct {
	name    string
	runner  *transaction.Runner
	probe   func(ctx context.Context) error
	timeout time.Duration
}

// NewTransactionChecker creates a checker running probe through runner. A nil probe
// checks begin and commit only.
func NewTransactionChecker(name string, runner *transaction.Runner, probe func(ctx context.Context) error, timeout time.Duration) *TransactionChecker {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if probe == nil {
		probe = func(context.Context) error { return nil }
	}
	return &TransactionChecker{name: name, runner: runner, probe: probe, timeout: timeout}
}

// Check implements Checker.
func (c *TransactionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, state, err := transaction.ExecuteWithOutcome(checkCtx, c.runner, func(ctx context.Context, _ transaction.Handle) (struct{}, error) {
		return struct{}{}, c.probe(ctx)
	})
	res := result(c.name, start, err)
	if err == nil {
		res.Message = state.String()
	}
	return res
}

// Name implements Checker.
func (c *TransactionChecker) Name() string {
	return c.name
}

// CustomChecker adapts a function reporting its own status.
type CustomChecker struct {
	name      string
	checkFunc func(ctx context.Context) (Status, string, error)
}

// NewCustomChecker creates a new custom checker
func NewCustomChecker(name string, checkFunc func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{name: name, checkFunc: checkFunc}
}

// Check runs the custom check function
func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checkFunc(ctx)

	res := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		res.Error = err.Error()
		if status == "" || status == StatusHealthy {
			res.Status = StatusUnhealthy
		}
	}
	return res
}

// Name returns the name of the health check
func (c *CustomChecker) Name() string {
	return c.name
}

func result(name string, start time.Time, err error) CheckResult {
	res := CheckResult{
		Name:      name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = ""
		res.Error = err.Error()
	}
	return res
}
