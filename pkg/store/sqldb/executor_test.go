package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/txrunner/pkg/observability/logger"
	"github.com/nimburion/txrunner/pkg/transaction"
)

func TestBatchUpdate_InsideTransaction(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO items")
	prep.ExpectExec().WithArgs(1, "a").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(2, "b").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	r := newRunner(t, d, transaction.Definition{Name: "batch"})
	counts, err := transaction.Execute(context.Background(), r, func(ctx context.Context, h transaction.Handle) ([]int64, error) {
		return d.BatchUpdate(ctx, "INSERT INTO items (id, name) VALUES ($1, $2)", [][]any{{1, "a"}, {2, "b"}})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(counts, []int64{1, 1}) {
		t.Fatalf("unexpected counts %v", counts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestBatchUpdate_RowFailureReturnsPartialCounts(t *testing.T) {
	d, mock := newMockDB(t)
	rowErr := errors.New("duplicate key")
	prep := mock.ExpectPrepare("INSERT INTO items")
	prep.ExpectExec().WithArgs(1).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(1).WillReturnError(rowErr)

	counts, err := d.BatchUpdate(context.Background(), "INSERT INTO items (id) VALUES ($1)", [][]any{{1}, {1}, {2}})
	if !errors.Is(err, rowErr) {
		t.Fatalf("expected row failure, got %v", err)
	}
	if len(counts) != 1 || counts[0] != 1 {
		t.Fatalf("expected counts of executed rows, got %v", counts)
	}
}

func TestBatchUpdate_Empty(t *testing.T) {
	d, mock := newMockDB(t)
	counts, err := d.BatchUpdate(context.Background(), "INSERT INTO items VALUES ($1)", nil)
	if err != nil || len(counts) != 0 {
		t.Fatalf("got %v / %v", counts, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statements expected: %v", err)
	}
}

func TestBatchUpdate_PrepareFailure(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectPrepare("INSERT").WillReturnError(errors.New("syntax error"))

	if _, err := d.BatchUpdate(context.Background(), "INSERT", [][]any{{1}}); err == nil {
		t.Fatal("expected prepare error")
	}
}

func TestNamedBatchUpdate(t *testing.T) {
	d, mock := newMockDB(t)
	prep := mock.ExpectPrepare("UPDATE items")
	prep.ExpectExec().
		WithArgs(sql.Named("id", 1), sql.Named("name", "a")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(sql.Named("id", 2), sql.Named("name", "b")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	counts, err := d.NamedBatchUpdate(context.Background(), "UPDATE items SET name = :name WHERE id = :id", []map[string]any{
		{"name": "a", "id": 1},
		{"id": 2, "name": "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(counts, []int64{1, 0}) {
		t.Fatalf("unexpected counts %v", counts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock expectations: %v", err)
	}
}

func TestNamedArgs_SortedByName(t *testing.T) {
	args := NamedArgs(map[string]any{"z": 1, "a": 2, "m": 3})
	var names []string
	for _, a := range args {
		names = append(names, a.(sql.NamedArg).Name)
	}
	if !reflect.DeepEqual(names, []string{"a", "m", "z"}) {
		t.Fatalf("unexpected order %v", names)
	}
}

func TestQueryContext_UsesPoolOutsideTransaction(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectQuery("SELECT name FROM items").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("a"))
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	rows, err := d.QueryContext(context.Background(), "SELECT name FROM items")
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	rows.Close()

	var n int
	if err := d.QueryRowContext(context.Background(), "SELECT count(*) FROM items").Scan(&n); err != nil || n != 4 {
		t.Fatalf("QueryRowContext: %d / %v", n, err)
	}
}

func TestWithQueryTimeout(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	d := New(db, Config{QueryTimeout: time.Second}, logger.NewNop())
	ctx, cancel := d.withQueryTimeout(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Fatal("expected deadline from query timeout")
	}

	parent, parentCancel := context.WithTimeout(context.Background(), time.Hour)
	defer parentCancel()
	ctx, cancel = d.withQueryTimeout(parent)
	defer cancel()
	if ctx != parent {
		t.Fatal("existing deadline must be kept")
	}
}

func TestHealthCheckAndClose(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	d := New(db, Config{}, logger.NewNop())

	mock.ExpectPing().WillReturnError(errors.New("down"))
	if err := d.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check failure")
	}

	mock.ExpectClose()
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := d.ExecContext(context.Background(), "SELECT 1"); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestOpen_RequiresURL(t *testing.T) {
	if _, err := Open("postgres", Config{}, logger.NewNop()); err == nil {
		t.Fatal("expected error for empty URL")
	}
}
