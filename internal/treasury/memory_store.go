package treasury

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/xusdt/escrow-core/internal/usdt"
)

// MemoryStore is an in-memory system wallet store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	address     string
	balance     *big.Int
	fees        *big.Int
	lastSweptAt *time.Time
	updatedAt   time.Time
}

// NewMemoryStore creates an in-memory system wallet with the given address.
func NewMemoryStore(address string) *MemoryStore {
	return &MemoryStore{
		address:   address,
		balance:   new(big.Int),
		fees:      new(big.Int),
		updatedAt: time.Now(),
	}
}

func (m *MemoryStore) Get(ctx context.Context) (*SystemWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w := &SystemWallet{
		Address:        m.address,
		CurrentBalance: usdt.Format(m.balance),
		CollectedFees:  usdt.Format(m.fees),
		UpdatedAt:      m.updatedAt,
	}
	if m.lastSweptAt != nil {
		t := *m.lastSweptAt
		w.LastSweptAt = &t
	}
	return w, nil
}

func (m *MemoryStore) Credit(ctx context.Context, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balance.Add(m.balance, amount)
	m.fees.Add(m.fees, amount)
	m.updatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkSwept(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balance.SetInt64(0)
	m.lastSweptAt = &at
	m.updatedAt = time.Now()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
