// Package syncutil provides the locking and background-loop primitives
// shared by the escrow and webhook pipelines.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one exclusive lock per key. Entries are reference
// counted and dropped once no goroutine holds or waits on them, so memory
// stays bounded by the number of keys in flight. Distinct keys never
// contend with each other.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a channel mutex so waiters can select on ctx.Done().
type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// LockContext acquires the lock for key, giving up when ctx is done.
// On success the returned unlock func MUST be called exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquire(key)

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.release(key)
			})
		}, nil
	case <-ctx.Done():
		m.release(key)
		return nil, ctx.Err()
	}
}

// Lock acquires the lock for key without a deadline.
func (m *KeyedMutex) Lock(key string) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// TryLock acquires the lock for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	l := m.acquire(key)
	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.release(key)
			})
		}, true
	default:
		m.release(key)
		return nil, false
	}
}

// Len reports how many keys currently have holders or waiters.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquire(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(m.locks, key)
	}
}
