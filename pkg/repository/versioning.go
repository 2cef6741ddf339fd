package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Versioned interface for entities that support optimistic locking
type Versioned interface {
	GetVersion() int64
	SetVersion(version int64)
}

// OptimisticLockError is returned when an optimistic lock conflict is detected
type OptimisticLockError struct {
	EntityID string
	Expected int64
	Actual   int64
}

// Error implements error.
func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock failed for entity %s: expected version %d, got %d",
		e.EntityID, e.Expected, e.Actual)
}

// NewOptimisticLockError creates a new OptimisticLockError
func NewOptimisticLockError(entityID string, expected, actual int64) *OptimisticLockError {
	return &OptimisticLockError{
		EntityID: entityID,
		Expected: expected,
		Actual:   actual,
	}
}

// Executor is satisfied by *sqldb.DB, *sql.DB and *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

// Question renders ? placeholders (MySQL, SQLite).
func Question(int) string { return "?" }

// Dollar renders $n placeholders (PostgreSQL).
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// VersionedTable updates rows of a table that carries a version column.
type VersionedTable struct {
	Name        string
	IDColumn    string
	Placeholder Placeholder
}

// Update sets columns on the row identified by id only if its version still equals
// entity.GetVersion(), then increments the entity's version. A stale version yields
// *OptimisticLockError and a missing row yields sql.ErrNoRows.
func (t VersionedTable) Update(ctx context.Context, exec Executor, id any, entity Versioned, columns map[string]any) error {
	ph := t.Placeholder
	if ph == nil {
		ph = Question
	}

	names := make([]string, 0, len(columns))
	for name := range columns {
		if name == "version" || name == t.IDColumn {
			return fmt.Errorf("column %q cannot be set directly", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	current := entity.GetVersion()
	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+3)
	for _, name := range names {
		args = append(args, columns[name])
		sets = append(sets, fmt.Sprintf("%s = %s", name, ph(len(args))))
	}
	args = append(args, current+1)
	sets = append(sets, "version = "+ph(len(args)))
	args = append(args, id)
	idArg := ph(len(args))
	args = append(args, current)
	versionArg := ph(len(args))

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s AND version = %s",
		t.Name, strings.Join(sets, ", "), t.IDColumn, idArg, versionArg)

	result, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		var actual int64
		check := fmt.Sprintf("SELECT version FROM %s WHERE %s = %s", t.Name, t.IDColumn, ph(1))
		if err := exec.QueryRowContext(ctx, check, id).Scan(&actual); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("failed to check entity version: %w", err)
		}
		return NewOptimisticLockError(fmt.Sprintf("%v", id), current, actual)
	}

	entity.SetVersion(current + 1)
	return nil
}
