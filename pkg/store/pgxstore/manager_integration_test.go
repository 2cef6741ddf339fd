package pgxstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/testutil"
	"github.com/nimburion/txrunner/pkg/transaction"
)

func TestManager_Integration(t *testing.T) {
	connStr := testutil.StartPostgres(t)
	ctx := context.Background()

	m, pool, err := Open(ctx, Config{URL: connStr, MaxConns: 4}, logger.NewNop(), WithStatementTimeout(5*time.Second))
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, `CREATE TABLE orders (id INT PRIMARY KEY, status TEXT NOT NULL)`)
	require.NoError(t, err)

	count := func() int {
		var n int
		require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM orders").Scan(&n))
		return n
	}

	r, err := transaction.NewRunner(m)
	require.NoError(t, err)

	t.Run("batch commits", func(t *testing.T) {
		counts, err := transaction.Execute(ctx, r, func(ctx context.Context, h transaction.Handle) ([]int64, error) {
			return m.BatchUpdate(ctx, "INSERT INTO orders (id, status) VALUES ($1, $2)", [][]any{{1, "new"}, {2, "new"}})
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 1}, counts)
		assert.Equal(t, 2, count())
	})

	t.Run("named batch inside failing unit rolls back", func(t *testing.T) {
		_, err := transaction.Execute(ctx, r, func(ctx context.Context, h transaction.Handle) ([]int64, error) {
			counts, err := m.NamedBatchUpdate(ctx, "UPDATE orders SET status = @status WHERE id = @id",
				[]map[string]any{{"id": 1, "status": "paid"}})
			if err != nil {
				return nil, err
			}
			return counts, errors.New("payment gateway refused")
		})
		require.Error(t, err)

		var status string
		require.NoError(t, pool.QueryRow(ctx, "SELECT status FROM orders WHERE id = 1").Scan(&status))
		assert.Equal(t, "new", status)
	})

	t.Run("statement timeout applies", func(t *testing.T) {
		short, err := transaction.NewRunner(m, transaction.WithAttribute(
			transaction.NewDefaultAttribute(transaction.Definition{Timeout: 50 * time.Millisecond}),
		))
		require.NoError(t, err)
		_, err = transaction.Execute(ctx, short, func(ctx context.Context, h transaction.Handle) (int, error) {
			_, err := m.Exec(ctx, "SELECT pg_sleep(1)")
			return 0, err
		})
		require.Error(t, err)
	})
}
