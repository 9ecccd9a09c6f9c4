package lending

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/lendbridge/internal/storage"
	"github.com/mbd888/lendbridge/internal/syncutil"
)

// MemoryStore is an in-memory loan store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	loans    map[string]*Loan
	payments map[string]*Payment
	locks    *syncutil.KeyedMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory loan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loans:    make(map[string]*Loan),
		payments: make(map[string]*Payment),
		locks:    syncutil.NewKeyedMutex(),
	}
}

func (m *MemoryStore) Get(ctx context.Context, proposalID string) (*Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.loans[proposalID]
	if !ok {
		return nil, ErrLoanNotFound
	}
	return copyLoan(l), nil
}

func (m *MemoryStore) LockOrCreate(ctx context.Context, proposalID string, now time.Time) (*Loan, error) {
	if err := storage.LockRow(ctx, m.locks, proposalID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.loans[proposalID]; ok {
		return copyLoan(l), nil
	}
	l := &Loan{ProposalID: proposalID, CreatedAt: now, UpdatedAt: now}
	m.loans[proposalID] = l
	storage.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.loans, proposalID)
		m.mu.Unlock()
	})
	return copyLoan(l), nil
}

func (m *MemoryStore) Update(ctx context.Context, l *Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.loans[l.ProposalID]
	if !ok {
		return ErrLoanNotFound
	}
	m.loans[l.ProposalID] = copyLoan(l)
	storage.OnRollback(ctx, func() {
		m.mu.Lock()
		m.loans[l.ProposalID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) InsertPayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; ok {
		return ErrDuplicatePayment
	}
	cp := *p
	m.payments[p.ID] = &cp
	storage.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.payments, p.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Payments(ctx context.Context, proposalID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.ProposalID == proposalID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ReceivedAt.Before(result[j].ReceivedAt)
	})
	return result, nil
}

func copyLoan(l *Loan) *Loan {
	cp := *l
	if l.SignedAt != nil {
		t := *l.SignedAt
		cp.SignedAt = &t
	}
	if l.RepaidAt != nil {
		t := *l.RepaidAt
		cp.RepaidAt = &t
	}
	return &cp
}
