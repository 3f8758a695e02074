package escrow

import (
	"context"
	"math/big"
	"sync"
)

// FeeCollector credits settlement fees to the system wallet.
type FeeCollector interface {
	Credit(ctx context.Context, amount *big.Int) error
}

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	fees    FeeCollector
	mu      sync.Mutex
}

// NewMemoryStore creates a new in-memory escrow store. The fee collector
// receives fee credits inside the same critical section as the terminal
// transition, mirroring the single-commit guarantee of the SQL store.
func NewMemoryStore(fees FeeCollector) *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		fees:    fees,
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *escrow
	m.escrows[escrow.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Return a copy to prevent races on the shared pointer
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updateLocked(escrow)
}

func (m *MemoryStore) updateLocked(escrow *Escrow) error {
	current, ok := m.escrows[escrow.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if current.Version != escrow.Version {
		return ErrVersionConflict
	}

	cp := *escrow
	cp.Version++
	m.escrows[escrow.ID] = &cp
	escrow.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userToken string, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerToken == userToken || e.SellerToken == userToken {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Settle(ctx context.Context, escrow *Escrow, fee *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateLocked(escrow); err != nil {
		return err
	}
	if m.fees != nil && fee.Sign() > 0 {
		if err := m.fees.Credit(ctx, fee); err != nil {
			return err
		}
	}
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
