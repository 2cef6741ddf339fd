package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/store/sqldb"
	"github.com/nimburion/txrunner/pkg/transaction"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

func newMockAdapter(t *testing.T) (*MySQLAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &MySQLAdapter{DB: sqldb.New(db, Config{}, &mockLogger{}, options()...)}, mock
}

func TestNewMySQLAdapter_Validation(t *testing.T) {
	if _, err := NewMySQLAdapter(Config{}, &mockLogger{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
	if _, err := NewMySQLAdapter(Config{URL: "user:pass@tcp(localhost:3306"}, &mockLogger{}); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestRunner_DeadlockRollsBack(t *testing.T) {
	a, mock := newMockAdapter(t)
	deadlock := &mysql.MySQLError{Number: errDeadlock, Message: "Deadlock found when trying to get lock"}
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE stock").WillReturnError(deadlock)
	mock.ExpectRollback()

	r, err := transaction.NewRunner(a)
	if err != nil {
		t.Fatal(err)
	}
	_, err = transaction.Execute(context.Background(), r, func(ctx context.Context, h transaction.Handle) (int64, error) {
		res, err := a.ExecContext(ctx, "UPDATE stock SET qty = qty - 1 WHERE id = ?", 7)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if !IsDeadlock(err) {
		t.Fatalf("expected deadlock, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestRunner_DuplicateEntryCommitsByRule(t *testing.T) {
	a, mock := newMockAdapter(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO tags")
	prep.ExpectExec().WithArgs("go").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("go").WillReturnError(&mysql.MySQLError{Number: errDuplicateEntry})
	mock.ExpectCommit()

	attr := transaction.NewRuleBasedAttribute(transaction.Definition{Name: "tags"},
		transaction.NoRollbackWhen("duplicate entry", IsDuplicateEntry))
	r, _ := transaction.NewRunner(a, transaction.WithAttribute(attr))

	counts, state, err := transaction.ExecuteWithOutcome(context.Background(), r, func(ctx context.Context, h transaction.Handle) ([]int64, error) {
		return a.BatchUpdate(ctx, "INSERT INTO tags (name) VALUES (?)", [][]any{{"go"}, {"go"}})
	})
	if !IsDuplicateEntry(err) || state != transaction.StateCommitted {
		t.Fatalf("expected committed duplicate entry, got %s / %v", state, err)
	}
	if counts != nil {
		t.Fatalf("failed unit of work must not return a result, got %v", counts)
	}
}

func TestRunner_InvalidConnOnCommitIsSystemError(t *testing.T) {
	a, mock := newMockAdapter(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(mysql.ErrInvalidConn)

	r, _ := transaction.NewRunner(a)
	_, err := transaction.Execute(context.Background(), r, func(ctx context.Context, h transaction.Handle) (int, error) {
		return 1, nil
	})
	var sysErr *transaction.SystemError
	if transaction.Classify(err) != transaction.KindCommit || !errors.As(err, &sysErr) {
		t.Fatalf("expected commit system failure, got %v", err)
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad conn", driver.ErrBadConn, true},
		{"invalid conn", fmt.Errorf("exec: %w", mysql.ErrInvalidConn), true},
		{"too many connections", &mysql.MySQLError{Number: errTooManyConns}, true},
		{"duplicate", &mysql.MySQLError{Number: errDuplicateEntry}, false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDeadlock(t *testing.T) {
	if !IsDeadlock(&mysql.MySQLError{Number: errLockWaitTimeout}) {
		t.Error("lock wait timeout must count as deadlock")
	}
	if IsDeadlock(errors.New("deadlock")) {
		t.Error("plain error must not match")
	}
}
