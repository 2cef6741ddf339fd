package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nimburion/txrunner/pkg/transaction"
)

var _ transaction.Manager = (*DB)(nil)

type txContextKey struct{}

// handle is the transaction.Handle issued by DB. A joined handle has no tx of its own and
// forwards rollback requests to the handle it joined.
type handle struct {
	*transaction.Status
	owner  *DB
	tx     *sql.Tx
	outer  *handle
	cancel context.CancelFunc
}

// Tx returns the underlying transaction, or nil for a non-transactional handle.
func (h *handle) Tx() *sql.Tx {
	if h.outer != nil {
		return h.outer.Tx()
	}
	return h.tx
}

// GetTx extracts a transaction from the context, if present
func GetTx(ctx context.Context) (*sql.Tx, bool) {
	h, ok := ctx.Value(txContextKey{}).(*handle)
	if !ok {
		return nil, false
	}
	tx := h.Tx()
	return tx, tx != nil
}

func current(ctx context.Context, owner *DB) *handle {
	h, ok := ctx.Value(txContextKey{}).(*handle)
	if !ok || h.owner != owner || h.Tx() == nil {
		return nil
	}
	return h
}

// Begin implements transaction.Manager, honoring the definition's propagation.
func (d *DB) Begin(ctx context.Context, attr transaction.Attribute) (transaction.Handle, error) {
	def := attr.Definition()
	existing := current(ctx, d)

	switch def.Propagation {
	case transaction.PropagationRequired, transaction.PropagationSupports:
		if existing != nil {
			d.logger.Debug("joining existing transaction", "tx_name", def.Name, "outer_tx_id", existing.ID())
			return &handle{Status: transaction.NewStatus(ctx), owner: d, outer: existing}, nil
		}
		if def.Propagation == transaction.PropagationSupports {
			return &handle{Status: transaction.NewStatus(ctx), owner: d}, nil
		}
	case transaction.PropagationNever:
		if existing != nil {
			return nil, &transaction.BeginError{Err: transaction.ErrExistingTransaction}
		}
		return &handle{Status: transaction.NewStatus(ctx), owner: d}, nil
	case transaction.PropagationRequiresNew:
	default:
		return nil, &transaction.BeginError{Err: fmt.Errorf("unsupported propagation: %s", def.Propagation)}
	}

	cancel := context.CancelFunc(func() {})
	if def.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
	}

	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: def.Isolation, ReadOnly: def.ReadOnly})
	if err != nil {
		cancel()
		if d.isSystem(err) {
			err = transaction.NewSystemError("begin", err)
		}
		return nil, &transaction.BeginError{Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}

	h := &handle{owner: d, tx: tx, cancel: cancel}
	h.Status = transaction.NewStatus(context.WithValue(ctx, txContextKey{}, h))
	return h, nil
}

// Commit implements transaction.Manager.
func (d *DB) Commit(ctx context.Context, th transaction.Handle) error {
	h, err := d.claim(th)
	if err != nil {
		return err
	}
	defer h.release()

	if h.outer != nil {
		if h.IsRollbackOnly() {
			h.outer.SetGlobalRollbackOnly()
		}
		return nil
	}
	if h.tx == nil {
		return nil
	}

	if err := h.tx.Commit(); err != nil {
		if d.isSystem(err) {
			return transaction.NewSystemError("commit", err)
		}
		return err
	}
	return nil
}

// Rollback implements transaction.Manager. Rolling back a joined handle marks the
// outer transaction rollback-only.
func (d *DB) Rollback(ctx context.Context, th transaction.Handle) error {
	h, err := d.claim(th)
	if err != nil {
		return err
	}
	defer h.release()

	if h.outer != nil {
		d.logger.Debug("marking outer transaction rollback-only", "outer_tx_id", h.outer.ID())
		h.outer.SetGlobalRollbackOnly()
		return nil
	}
	if h.tx == nil {
		return nil
	}

	if err := h.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			// the driver already rolled back when the transaction context ended
			d.logger.Debug("transaction already rolled back", "tx_id", h.ID())
			return nil
		}
		if d.isSystem(err) {
			return transaction.NewSystemError("rollback", err)
		}
		return err
	}
	return nil
}

func (d *DB) claim(th transaction.Handle) (*handle, error) {
	h, ok := th.(*handle)
	if !ok || h.owner != d {
		return nil, transaction.ErrForeignHandle
	}
	if err := h.Complete(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *handle) release() {
	if h.cancel != nil {
		h.cancel()
	}
}
