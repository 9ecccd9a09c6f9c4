// Package storage carries a database transaction through context.Context so
// that stores from different packages (escrow, lending, webhooks) can take
// part in one atomic unit of work without knowing about each other.
//
// A transaction is opened with Transactor.WithinTx. Nested WithinTx calls
// join the outer transaction. Savepoint scopes a partial rollback inside it.
package storage

import (
	"context"
	"errors"
)

// ErrNoTx is returned by operations that require an open transaction.
var ErrNoTx = errors.New("storage: no transaction in context")

// Transactor opens units of work.
type Transactor interface {
	// WithinTx runs fn inside a transaction. fn's error rolls everything back.
	// If ctx already carries a transaction, fn joins it.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Savepoint runs fn so that its writes are undone if it fails while the
	// enclosing transaction stays usable. Requires a transaction in ctx.
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// AfterCommit runs fn once the transaction in ctx commits. Hooks registered
// inside a savepoint that rolls back are dropped. Outside a transaction fn
// runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if st, ok := ctx.Value(sqlTxKey{}).(*sqlTx); ok {
		st.hooks = append(st.hooks, fn)
		return
	}
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.mu.Lock()
		tx.hooks = append(tx.hooks, fn)
		tx.mu.Unlock()
		return
	}
	fn()
}
