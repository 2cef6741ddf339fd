package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/transaction"
)

func newAdapter(t *testing.T) *SQLiteAdapter {
	t.Helper()
	a, err := NewSQLiteAdapter(Config{URL: filepath.Join(t.TempDir(), "tx.db")}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteAdapter: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	if _, err := a.ExecContext(context.Background(),
		`CREATE TABLE accounts (id INTEGER PRIMARY KEY, owner TEXT NOT NULL UNIQUE, balance INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return a
}

func countAccounts(t *testing.T, a *SQLiteAdapter) int {
	t.Helper()
	var n int
	if err := a.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM accounts").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tx.db", "tx.db?" + defaultPragmas},
		{"sqlite://tx.db", "tx.db?" + defaultPragmas},
		{"file:tx.db?mode=rwc", "file:tx.db?mode=rwc&" + defaultPragmas},
		{"tx.db?_pragma=journal_mode(WAL)", "tx.db?_pragma=journal_mode(WAL)"},
	}
	for _, tt := range tests {
		if got := DSN(tt.in); got != tt.want {
			t.Errorf("DSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewSQLiteAdapter_RequiresURL(t *testing.T) {
	if _, err := NewSQLiteAdapter(Config{}, logger.NewNop()); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestRunner_CommitAndRollback(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	r, err := transaction.NewRunner(a)
	if err != nil {
		t.Fatal(err)
	}

	counts, err := transaction.Execute(ctx, r, func(ctx context.Context, h transaction.Handle) ([]int64, error) {
		return a.BatchUpdate(ctx, "INSERT INTO accounts (owner, balance) VALUES (?, ?)", [][]any{{"alice", 10}, {"bob", 20}})
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(counts, []int64{1, 1}) || countAccounts(t, a) != 2 {
		t.Fatalf("expected two committed rows, counts=%v", counts)
	}

	_, err = transaction.Execute(ctx, r, func(ctx context.Context, h transaction.Handle) (int, error) {
		if _, err := a.ExecContext(ctx, "INSERT INTO accounts (owner, balance) VALUES (?, ?)", "carol", 5); err != nil {
			return 0, err
		}
		_, err := a.ExecContext(ctx, "INSERT INTO accounts (owner, balance) VALUES (?, ?)", "alice", 1)
		return 0, err
	})
	if !IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if countAccounts(t, a) != 2 {
		t.Fatal("failed transaction must be rolled back")
	}
}

func TestRunner_NamedBatchUpdate(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	r, _ := transaction.NewRunner(a)

	_, err := transaction.Execute(ctx, r, func(ctx context.Context, h transaction.Handle) ([]int64, error) {
		return a.NamedBatchUpdate(ctx, "INSERT INTO accounts (owner, balance) VALUES (:owner, :balance)", []map[string]any{
			{"owner": "alice", "balance": 1},
			{"owner": "bob", "balance": 2},
		})
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var total int
	if err := a.QueryRowContext(ctx, "SELECT SUM(balance) FROM accounts").Scan(&total); err != nil || total != 3 {
		t.Fatalf("expected total 3, got %d / %v", total, err)
	}
}

func TestRunner_CommitDespiteConstraintViolation(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	attr := transaction.NewRuleBasedAttribute(transaction.Definition{Name: "best-effort"},
		transaction.NoRollbackWhen("constraint violation", IsConstraintViolation))
	r, _ := transaction.NewRunner(a, transaction.WithAttribute(attr))

	_, state, err := transaction.ExecuteWithOutcome(ctx, r, func(ctx context.Context, h transaction.Handle) ([]int64, error) {
		return a.BatchUpdate(ctx, "INSERT INTO accounts (owner, balance) VALUES (?, ?)", [][]any{{"dave", 1}, {"dave", 2}})
	})
	if !IsConstraintViolation(err) || state != transaction.StateCommitted {
		t.Fatalf("expected committed failure, got %s / %v", state, err)
	}
	if countAccounts(t, a) != 1 {
		t.Fatal("first row must be committed")
	}
}

func TestRunner_RollbackOnlyDryRun(t *testing.T) {
	a := newAdapter(t)
	r, _ := transaction.NewRunner(a)

	n, state, err := transaction.ExecuteWithOutcome(context.Background(), r, func(ctx context.Context, h transaction.Handle) (int64, error) {
		h.SetRollbackOnly()
		res, err := a.ExecContext(ctx, "INSERT INTO accounts (owner, balance) VALUES (?, ?)", "eve", 1)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil || n != 1 || state != transaction.StateRolledBack {
		t.Fatalf("got %d / %s / %v", n, state, err)
	}
	if countAccounts(t, a) != 0 {
		t.Fatal("dry run must not persist")
	}
}

func TestClassifiers_PlainErrors(t *testing.T) {
	err := errors.New("disk I/O error")
	if IsSystemError(err) || IsBusy(err) || IsConstraintViolation(err) {
		t.Fatal("plain errors must not match sqlite codes")
	}
}

func TestRunner_JoinedFailureRollsBackOuterWithError(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	outer, _ := transaction.NewRunner(a, transaction.WithAttribute(transaction.NewDefaultAttribute(transaction.Definition{Name: "outer"})))
	inner, _ := transaction.NewRunner(a, transaction.WithAttribute(transaction.NewDefaultAttribute(transaction.Definition{Name: "inner"})))
	innerErr := errors.New("inner failed")

	got, state, err := transaction.ExecuteWithOutcome(ctx, outer, func(ctx context.Context, h transaction.Handle) (int, error) {
		if _, err := a.ExecContext(ctx, "INSERT INTO accounts (owner, balance) VALUES (?, ?)", "dave", 1); err != nil {
			return 0, err
		}
		// the inner failure is swallowed here
		_, _ = transaction.Execute(ctx, inner, func(ctx context.Context, h transaction.Handle) (int, error) {
			return 0, innerErr
		})
		return 7, nil
	})
	if !errors.Is(err, transaction.ErrUnexpectedRollback) {
		t.Fatalf("expected ErrUnexpectedRollback, got %v (value %d)", err, got)
	}
	if state != transaction.StateRolledBack {
		t.Fatalf("expected rolled_back, got %s", state)
	}
	if n := countAccounts(t, a); n != 0 {
		t.Fatalf("outer insert must be rolled back, found %d rows", n)
	}
}
