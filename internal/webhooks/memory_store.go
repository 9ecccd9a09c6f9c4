package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/lendbridge/internal/storage"
	"github.com/mbd888/lendbridge/internal/syncutil"
)

// MemoryStore is an in-memory delivery store for demo/development mode.
// Paired with storage.MemoryTransactor it rolls back with the transaction.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string]*WebhookEvent
	rowLocks *syncutil.KeyedMutex
	keyLocks *syncutil.KeyedMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory delivery store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string]*WebhookEvent),
		rowLocks: syncutil.NewKeyedMutex(),
		keyLocks: syncutil.NewKeyedMutex(),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, ev *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = copyEvent(ev)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(ev), nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*WebhookEvent, error) {
	if err := storage.LockRow(ctx, m.rowLocks, id); err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) LockKey(ctx context.Context, dedupKey string) error {
	return storage.LockRow(ctx, m.keyLocks, dedupKey)
}

func (m *MemoryStore) FindProcessed(ctx context.Context, dedupKey string) (*WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ev := range m.events {
		if ev.DedupKey == dedupKey && ev.Status == StatusProcessed && ev.DuplicateOf == "" {
			return copyEvent(ev), nil
		}
	}
	return nil, ErrEventNotFound
}

func (m *MemoryStore) Update(ctx context.Context, ev *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.events[ev.ID]
	if !ok {
		return ErrEventNotFound
	}
	m.events[ev.ID] = copyEvent(ev)

	storage.OnRollback(ctx, func() {
		m.mu.Lock()
		m.events[prev.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) ListPending(ctx context.Context, receivedBefore time.Time, limit int) ([]*WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*WebhookEvent
	for _, ev := range m.events {
		if ev.Status == StatusPending && ev.ReceivedAt.Before(receivedBefore) {
			result = append(result, copyEvent(ev))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ReceivedAt.Before(result[j].ReceivedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyEvent(ev *WebhookEvent) *WebhookEvent {
	cp := *ev
	cp.Payload = append([]byte(nil), ev.Payload...)
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}
