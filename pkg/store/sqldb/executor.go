package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Querier returns the transaction bound to ctx, or the pool when there is none.
func (d *DB) Querier(ctx context.Context) Querier {
	if tx, ok := GetTx(ctx); ok {
		return tx
	}
	return d.db
}

// ExecContext executes a query with the transaction from context if available
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	queryCtx, cancel := d.withQueryTimeout(ctx)
	defer cancel()
	return d.Querier(ctx).ExecContext(queryCtx, query, args...)
}

// QueryContext executes a query with the transaction from context if available.
// The query timeout is not applied because the rows outlive this call.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.Querier(ctx).QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns a single row with the transaction from context if available
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.Querier(ctx).QueryRowContext(ctx, query, args...)
}

// BatchUpdate executes query once per row of positional arguments and returns the
// affected-row count of each execution. A count of -1 means the driver did not report one.
// On failure the counts of the rows already executed are returned with the error.
func (d *DB) BatchUpdate(ctx context.Context, query string, rows [][]any) ([]int64, error) {
	return d.batch(ctx, query, len(rows), func(i int) []any { return rows[i] })
}

// NamedBatchUpdate is BatchUpdate with named parameters. Each map is passed to the
// driver as sql.Named arguments; placeholder syntax is whatever the driver accepts.
func (d *DB) NamedBatchUpdate(ctx context.Context, query string, rows []map[string]any) ([]int64, error) {
	return d.batch(ctx, query, len(rows), func(i int) []any { return NamedArgs(rows[i]) })
}

// NamedArgs converts a map to sql.Named arguments in key order.
func NamedArgs(values map[string]any) []any {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, sql.Named(k, values[k]))
	}
	return args
}

func (d *DB) batch(ctx context.Context, query string, n int, argsAt func(int) []any) ([]int64, error) {
	counts := make([]int64, 0, n)
	if n == 0 {
		return counts, nil
	}

	queryCtx, cancel := d.withQueryTimeout(ctx)
	defer cancel()

	stmt, err := d.Querier(ctx).PrepareContext(queryCtx, query)
	if err != nil {
		return counts, fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		res, err := stmt.ExecContext(queryCtx, argsAt(i)...)
		if err != nil {
			return counts, fmt.Errorf("batch row %d: %w", i, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = -1
		}
		counts = append(counts, affected)
	}

	d.logger.Debug("batch update executed", "rows", n)
	return counts, nil
}
