package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lendbridge/internal/syncutil"
)

// kv is a toy store that records undo entries the way the real stores do.
type kv struct {
	mu   sync.Mutex
	data map[string]string
}

func (s *kv) put(ctx context.Context, k, v string) {
	s.mu.Lock()
	prev, had := s.data[k]
	s.data[k] = v
	s.mu.Unlock()

	OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if had {
			s.data[k] = prev
		} else {
			delete(s.data, k)
		}
	})
}

func (s *kv) get(k string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[k]
	return v, ok
}

func TestMemoryTransactor_RollbackUndoesWrites(t *testing.T) {
	tx := NewMemoryTransactor()
	s := &kv{data: map[string]string{"a": "1"}}
	boom := errors.New("boom")

	err := tx.WithinTx(context.Background(), func(ctx context.Context) error {
		s.put(ctx, "a", "2")
		s.put(ctx, "b", "x")
		return boom
	})
	require.ErrorIs(t, err, boom)

	v, _ := s.get("a")
	assert.Equal(t, "1", v)
	_, ok := s.get("b")
	assert.False(t, ok)
}

func TestMemoryTransactor_SavepointPartialRollback(t *testing.T) {
	tx := NewMemoryTransactor()
	s := &kv{data: map[string]string{}}
	var fired []string

	err := tx.WithinTx(context.Background(), func(ctx context.Context) error {
		s.put(ctx, "status", "FAILED")
		AfterCommit(ctx, func() { fired = append(fired, "outer") })

		spErr := tx.Savepoint(ctx, func(ctx context.Context) error {
			s.put(ctx, "loan", "signed")
			AfterCommit(ctx, func() { fired = append(fired, "inner") })
			return errors.New("handler failed")
		})
		assert.Error(t, spErr)
		return nil
	})
	require.NoError(t, err)

	v, _ := s.get("status")
	assert.Equal(t, "FAILED", v)
	_, ok := s.get("loan")
	assert.False(t, ok, "savepoint writes must be undone")
	assert.Equal(t, []string{"outer"}, fired)
}

func TestMemoryTransactor_NestedJoins(t *testing.T) {
	tx := NewMemoryTransactor()
	s := &kv{data: map[string]string{}}

	err := tx.WithinTx(context.Background(), func(ctx context.Context) error {
		_ = tx.WithinTx(ctx, func(ctx context.Context) error {
			s.put(ctx, "k", "v")
			return nil
		})
		return errors.New("outer fails")
	})
	require.Error(t, err)
	_, ok := s.get("k")
	assert.False(t, ok, "inner write belongs to the outer transaction")
}

func TestMemoryTransactor_SavepointNeedsTx(t *testing.T) {
	err := NewMemoryTransactor().Savepoint(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNoTx)
}

func TestAfterCommit_OutsideTxRunsNow(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func() { ran = true })
	assert.True(t, ran)
}

func TestLockRow_HeldUntilTxEnds(t *testing.T) {
	tx := NewMemoryTransactor()
	locks := syncutil.NewKeyedMutex()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = tx.WithinTx(context.Background(), func(ctx context.Context) error {
			assert.NoError(t, LockRow(ctx, locks, "esc1"))
			// re-entrant within the same transaction
			assert.NoError(t, LockRow(ctx, locks, "esc1"))
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		return LockRow(ctx, locks, "esc1")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done

	err = tx.WithinTx(context.Background(), func(ctx context.Context) error {
		return LockRow(ctx, locks, "esc1")
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, locks.Len())
}
