package pgxstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by pgx.Tx and *pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Querier returns the transaction bound to ctx, or the pool.
func (m *Manager) Querier(ctx context.Context) Querier {
	if tx := m.currentTx(ctx); tx != nil {
		return tx
	}
	return m.pool
}

func (m *Manager) currentTx(ctx context.Context) pgx.Tx {
	if h := m.current(ctx); h != nil {
		return h.pgxTx()
	}
	return nil
}

// Exec runs a statement in the current transaction or on the pool.
func (m *Manager) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return m.Querier(ctx).Exec(ctx, sql, args...)
}

// Query runs a query in the current transaction or on the pool.
func (m *Manager) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return m.Querier(ctx).Query(ctx, sql, args...)
}

// QueryRow runs a single-row query in the current transaction or on the pool.
func (m *Manager) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.Querier(ctx).QueryRow(ctx, sql, args...)
}

// BatchUpdate queues query once per row in a pgx.Batch and returns the affected-row
// count of each. On failure the counts of the rows already executed are returned.
func (m *Manager) BatchUpdate(ctx context.Context, query string, rows [][]any) ([]int64, error) {
	batch := &pgx.Batch{}
	for _, args := range rows {
		batch.Queue(query, args...)
	}
	return m.sendBatch(ctx, batch)
}

// NamedBatchUpdate is BatchUpdate with @name placeholders bound from each map.
func (m *Manager) NamedBatchUpdate(ctx context.Context, query string, rows []map[string]any) ([]int64, error) {
	batch := &pgx.Batch{}
	for _, args := range rows {
		batch.Queue(query, pgx.NamedArgs(args))
	}
	return m.sendBatch(ctx, batch)
}

func (m *Manager) sendBatch(ctx context.Context, batch *pgx.Batch) (counts []int64, err error) {
	n := batch.Len()
	counts = make([]int64, 0, n)
	if n == 0 {
		return counts, nil
	}

	results := m.Querier(ctx).SendBatch(ctx, batch)
	defer func() {
		if closeErr := results.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close batch: %w", closeErr)
		}
	}()

	for i := 0; i < n; i++ {
		tag, err := results.Exec()
		if err != nil {
			return counts, fmt.Errorf("batch row %d: %w", i, err)
		}
		counts = append(counts, tag.RowsAffected())
	}
	return counts, nil
}
