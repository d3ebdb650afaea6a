package payments

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used in tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[uuid.UUID]*Payment
	balances [2]balanceBook
	reversed map[string]struct{}
	revoked  map[string]struct{}
}

type balanceBook struct {
	total    uint64
	accounts map[uuid.UUID]uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		payments: make(map[uuid.UUID]*Payment),
		reversed: make(map[string]struct{}),
		revoked:  make(map[string]struct{}),
	}
	s.balances[BalanceUncleared].accounts = make(map[uuid.UUID]uint64)
	s.balances[BalanceCleared].accounts = make(map[uuid.UUID]uint64)
	return s
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := p.Clone()
	cp.UpdatedAt = time.Now()
	if existing, ok := s.payments[p.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.payments[p.ID] = cp
	return nil
}

func (s *MemoryStore) AdjustBalance(ctx context.Context, class BalanceClass, account uuid.UUID, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[class].adjust(account, delta)
}

func (b *balanceBook) adjust(account uuid.UUID, delta int64) error {
	if delta >= 0 {
		b.total += uint64(delta)
		b.accounts[account] += uint64(delta)
		return nil
	}

	dec := uint64(-delta)
	if b.accounts[account] < dec || b.total < dec {
		return ErrBalanceUnderflow
	}
	b.total -= dec
	b.accounts[account] -= dec
	if b.accounts[account] == 0 {
		delete(b.accounts, account)
	}
	return nil
}

func (s *MemoryStore) AccountBalance(ctx context.Context, class BalanceClass, account uuid.UUID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[class].accounts[account], nil
}

func (s *MemoryStore) TotalBalance(ctx context.Context, class BalanceClass) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[class].total, nil
}

func (s *MemoryStore) SetReversalFlag(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reversed[ref] = struct{}{}
	return nil
}

func (s *MemoryStore) SetRevocationFlag(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[ref] = struct{}{}
	return nil
}

func (s *MemoryStore) WasReversed(ctx context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.reversed[ref]
	return ok, nil
}

func (s *MemoryStore) WasRevoked(ctx context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[ref]
	return ok, nil
}

// WithinTx runs fn directly against the store. Engine operations are
// serialized and validate before mutating, so the in-memory store needs
// no rollback machinery.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

// SumAccountBalances returns the sum of all per-account balances of a
// class, for reconciliation checks against TotalBalance.
func (s *MemoryStore) SumAccountBalances(class BalanceClass) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum uint64
	for _, v := range s.balances[class].accounts {
		sum += v
	}
	return sum
}
