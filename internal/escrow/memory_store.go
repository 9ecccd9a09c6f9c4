package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/lendbridge/internal/pagination"
	"github.com/mbd888/lendbridge/internal/storage"
	"github.com/mbd888/lendbridge/internal/syncutil"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Paired with storage.MemoryTransactor, writes roll back with the
// transaction and GetForUpdate holds a row lock until it ends.
type MemoryStore struct {
	mu         sync.RWMutex
	escrows    map[string]*Escrow
	byContract map[string]string
	events     map[string][]*Event
	nextEvent  int64
	locks      *syncutil.KeyedMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[string]*Escrow),
		byContract: make(map[string]string),
		events:     make(map[string][]*Event),
		locks:      syncutil.NewKeyedMutex(),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return ErrEscrowExists
	}
	contract := strings.ToLower(e.ContractAddress)
	m.escrows[e.ID] = copyEscrow(e)
	m.byContract[contract] = e.ID

	storage.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.escrows, e.ID)
		delete(m.byContract, contract)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Escrow, error) {
	if err := storage.LockRow(ctx, m.locks, id); err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetByContract(ctx context.Context, contractAddress string) (*Escrow, error) {
	m.mu.RLock()
	id, ok := m.byContract[strings.ToLower(contractAddress)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	m.escrows[e.ID] = copyEscrow(e)

	storage.OnRollback(ctx, func() {
		m.mu.Lock()
		m.escrows[e.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[ev.EscrowID]; !ok {
		return ErrEscrowNotFound
	}
	m.nextEvent++
	ev.ID = m.nextEvent
	m.events[ev.EscrowID] = append(m.events[ev.EscrowID], copyEvent(ev))

	id := ev.EscrowID
	storage.OnRollback(ctx, func() {
		m.mu.Lock()
		if log := m.events[id]; len(log) > 0 {
			m.events[id] = log[:len(log)-1]
		}
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, escrowID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[escrowID]
	out := make([]*Event, 0, len(log))
	for _, ev := range log {
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

func (m *MemoryStore) ListStuck(ctx context.Context, pendingBefore time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.PendingAction != "" && e.PendingSince != nil && e.PendingSince.Before(pendingBefore) {
			result = append(result, copyEscrow(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PendingSince.Before(*result[j].PendingSince)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != status {
			continue
		}
		if after != nil && !pastCursor(e, after) {
			continue
		}
		result = append(result, copyEscrow(e))
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// pastCursor reports whether e sorts after c in newest-first order.
func pastCursor(e *Escrow, c *pagination.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.PendingSince != nil {
		t := *e.PendingSince
		cp.PendingSince = &t
	}
	return &cp
}

func copyEvent(ev *Event) *Event {
	cp := *ev
	if ev.Metadata != nil {
		cp.Metadata = make(map[string]any, len(ev.Metadata))
		for k, v := range ev.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
