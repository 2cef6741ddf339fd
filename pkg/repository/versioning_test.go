package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/store/sqldb"
	"github.com/nimburion/txrunner/pkg/store/sqlite"
	"github.com/nimburion/txrunner/pkg/transaction"
)

type account struct {
	ID      int64
	Balance int64
	Version int64
}

func (a *account) GetVersion() int64  { return a.Version }
func (a *account) SetVersion(v int64) { a.Version = v }

var accounts = VersionedTable{Name: "accounts", IDColumn: "id"}

func openAccounts(t *testing.T) *sqldb.DB {
	t.Helper()
	adp, err := sqlite.NewSQLiteAdapter(sqlite.Config{URL: filepath.Join(t.TempDir(), "accounts.db")}, logger.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = adp.Close() })

	ctx := context.Background()
	if _, err := adp.ExecContext(ctx, `CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance INTEGER NOT NULL, version INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := adp.ExecContext(ctx, `INSERT INTO accounts (id, balance, version) VALUES (1, 100, 1), (2, 0, 1)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return adp.DB
}

func balance(t *testing.T, db *sqldb.DB, id int64) int64 {
	t.Helper()
	var b int64
	if err := db.QueryRowContext(context.Background(), `SELECT balance FROM accounts WHERE id = ?`, id).Scan(&b); err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func TestOptimisticLockError(t *testing.T) {
	err := NewOptimisticLockError("7", 2, 3)
	want := "optimistic lock failed for entity 7: expected version 2, got 3"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestVersionedTable_Update(t *testing.T) {
	db := openAccounts(t)
	ctx := context.Background()

	a := &account{ID: 1, Version: 1}
	if err := accounts.Update(ctx, db, a.ID, a, map[string]any{"balance": 90}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if a.Version != 2 || balance(t, db, 1) != 90 {
		t.Fatalf("expected version 2 and balance 90, got %d/%d", a.Version, balance(t, db, 1))
	}

	stale := &account{ID: 1, Version: 1}
	err := accounts.Update(ctx, db, stale.ID, stale, map[string]any{"balance": 0})
	var lockErr *OptimisticLockError
	if !errors.As(err, &lockErr) || lockErr.Expected != 1 || lockErr.Actual != 2 {
		t.Fatalf("expected optimistic lock error, got %v", err)
	}
	if stale.Version != 1 {
		t.Fatal("version must not change on conflict")
	}

	missing := &account{ID: 42, Version: 1}
	if err := accounts.Update(ctx, db, missing.ID, missing, map[string]any{"balance": 1}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}

	if err := accounts.Update(ctx, db, 1, a, map[string]any{"version": 9}); err == nil {
		t.Fatal("expected error when setting version directly")
	}
}

func TestWithTransaction_ConflictRollsBackTransfer(t *testing.T) {
	db := openAccounts(t)
	r, err := transaction.NewRunner(db)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	tm := NewTransactionManager(r)

	// the destination was read before someone else bumped its version
	from := &account{ID: 1, Version: 1}
	to := &account{ID: 2, Version: 0}

	err = tm.WithTransaction(context.Background(), func(ctx context.Context) error {
		if err := accounts.Update(ctx, db, from.ID, from, map[string]any{"balance": 50}); err != nil {
			return err
		}
		return accounts.Update(ctx, db, to.ID, to, map[string]any{"balance": 50})
	})

	var lockErr *OptimisticLockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected optimistic lock error, got %v", err)
	}
	if got := balance(t, db, 1); got != 100 {
		t.Fatalf("debit must be rolled back, balance = %d", got)
	}
}

func TestWithTransaction_Commits(t *testing.T) {
	db := openAccounts(t)
	r, _ := transaction.NewRunner(db)

	err := NewTransactionManager(r).WithTransaction(context.Background(), func(ctx context.Context) error {
		return accounts.Update(ctx, db, int64(2), &account{ID: 2, Version: 1}, map[string]any{"balance": 5})
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}
	if got := balance(t, db, 2); got != 5 {
		t.Fatalf("balance = %d, want 5", got)
	}
}

func TestPlaceholders(t *testing.T) {
	if Question(3) != "?" || Dollar(3) != "$3" {
		t.Fatal("unexpected placeholder rendering")
	}
}
