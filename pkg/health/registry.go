// Package health aggregates database and transaction health checks.
package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	}
	return 2
}

// Worst returns the most severe status, or healthy for none. Unknown values count as unhealthy.
func Worst(statuses ...Status) Status {
	worst := StatusHealthy
	for _, s := range statuses {
		if s.severity() > worst.severity() {
			worst = s
		}
	}
	return worst
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Registry holds named checkers. Registering a name again replaces the earlier checker.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checkers: map[string]Checker{}}
}

func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	r.checkers[c.Name()] = c
	r.mu.Unlock()
}

func (r *Registry) snapshot() []Checker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		out = append(out, c)
	}
	return out
}

// Check runs every checker in parallel and reports results sorted by name.
func (r *Registry) Check(ctx context.Context) AggregatedResult {
	checkers := r.snapshot()
	start := time.Now()

	done := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func() { done <- c.Check(ctx) }()
	}

	agg := AggregatedResult{Checks: make([]CheckResult, 0, len(checkers))}
	statuses := make([]Status, 0, len(checkers))
	for range checkers {
		res := <-done
		agg.Checks = append(agg.Checks, res)
		statuses = append(statuses, res.Status)
	}
	slices.SortFunc(agg.Checks, func(a, b CheckResult) int { return strings.Compare(a.Name, b.Name) })

	agg.Status = Worst(statuses...)
	agg.Timestamp = time.Now()
	agg.Duration = agg.Timestamp.Sub(start)
	return agg
}

func (r *Registry) CheckOne(ctx context.Context, name string) (CheckResult, error) {
	r.mu.RLock()
	c, ok := r.checkers[name]
	r.mu.RUnlock()
	if !ok {
		return CheckResult{}, fmt.Errorf("health check not found: %s", name)
	}
	return c.Check(ctx), nil
}

type AggregatedResult struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

func (a AggregatedResult) IsHealthy() bool {
	return a.Status == StatusHealthy
}
