package pgxstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeBatchResults struct {
	tags   []string
	failAt int
	err    error
	next   int
	closed bool
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	i := r.next
	r.next++
	if r.err != nil && i == r.failAt {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag(r.tags[i]), nil
}

func (r *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeBatchResults) QueryRow() pgx.Row        { return nil }
func (r *fakeBatchResults) Close() error {
	r.closed = true
	return nil
}

// fakeTx embeds pgx.Tx so only the methods the manager calls need implementing.
type fakeTx struct {
	pgx.Tx
	execs       []string
	execErr     error
	commitErr   error
	rollbackErr error
	committed   int
	rolledBack  int
	batches     []*pgx.Batch
	results     *fakeBatchResults
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed++
	return t.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack++
	return t.rollbackErr
}

func (t *fakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	t.batches = append(t.batches, b)
	return t.results
}

type fakePool struct {
	txs      []*fakeTx
	begun    int
	beginErr error
	opts     []pgx.TxOptions
	execs    []string
}

func (p *fakePool) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	p.opts = append(p.opts, opts)
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.begun >= len(p.txs) {
		p.txs = append(p.txs, &fakeTx{})
	}
	tx := p.txs[p.begun]
	p.begun++
	return tx, nil
}

func (p *fakePool) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.execs = append(p.execs, sql)
	return pgconn.NewCommandTag("DELETE 2"), nil
}

func (p *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (p *fakePool) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (p *fakePool) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	return &fakeBatchResults{}
}
