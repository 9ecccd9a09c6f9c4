package storage

import (
	"context"
	"sync"

	"github.com/mbd888/lendbridge/internal/syncutil"
)

type memTxKey struct{}

type heldLock struct {
	locks *syncutil.KeyedMutex
	key   string
}

// memTx records how to undo writes and which row locks to drop at the end.
type memTx struct {
	mu     sync.Mutex
	undo   []func()
	hooks  []func()
	unlock []func()
	held   map[heldLock]bool
}

// MemoryTransactor gives the in-memory stores transactional behaviour:
// writes register undo funcs which run in reverse on rollback.
type MemoryTransactor struct{}

var _ Transactor = (*MemoryTransactor)(nil)

// NewMemoryTransactor creates a MemoryTransactor.
func NewMemoryTransactor() *MemoryTransactor {
	return &MemoryTransactor{}
}

func (t *MemoryTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	tx := &memTx{held: make(map[heldLock]bool)}
	err := fn(context.WithValue(ctx, memTxKey{}, tx))
	if err != nil {
		tx.rollbackTo(0, 0)
	}
	tx.release()
	if err == nil {
		for _, hook := range tx.hooks {
			hook()
		}
	}
	return err
}

func (t *MemoryTransactor) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return ErrNoTx
	}
	tx.mu.Lock()
	mark, hookMark := len(tx.undo), len(tx.hooks)
	tx.mu.Unlock()

	if err := fn(ctx); err != nil {
		tx.rollbackTo(mark, hookMark)
		return err
	}
	return nil
}

// OnRollback registers undo to run if the transaction in ctx rolls back.
// Outside a transaction writes are final and undo is dropped.
func OnRollback(ctx context.Context, undo func()) {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return
	}
	tx.mu.Lock()
	tx.undo = append(tx.undo, undo)
	tx.mu.Unlock()
}

// LockRow takes key on locks for the lifetime of the transaction in ctx,
// mirroring SELECT ... FOR UPDATE. Re-locking a key already held by the
// same transaction is a no-op. Outside a transaction the lock is taken and
// dropped immediately, which still waits out any current holder.
func LockRow(ctx context.Context, locks *syncutil.KeyedMutex, key string) error {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if ok {
		tx.mu.Lock()
		already := tx.held[heldLock{locks, key}]
		tx.mu.Unlock()
		if already {
			return nil
		}
	}

	unlock, err := locks.LockContext(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		unlock()
		return nil
	}

	tx.mu.Lock()
	tx.held[heldLock{locks, key}] = true
	tx.unlock = append(tx.unlock, unlock)
	tx.mu.Unlock()
	return nil
}

func (tx *memTx) rollbackTo(mark, hookMark int) {
	tx.mu.Lock()
	undo := tx.undo[mark:]
	tx.undo = tx.undo[:mark]
	tx.hooks = tx.hooks[:hookMark]
	tx.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (tx *memTx) release() {
	tx.mu.Lock()
	unlock := tx.unlock
	tx.unlock = nil
	tx.mu.Unlock()

	for i := len(unlock) - 1; i >= 0; i-- {
		unlock[i]()
	}
}
