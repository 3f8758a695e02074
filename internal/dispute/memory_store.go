package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*TradeDispute
	byEscrow map[string]string // escrow ID -> dispute ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*TradeDispute),
		byEscrow: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, d *TradeDispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEscrow[d.EscrowID]; exists {
		return ErrDisputeExists
	}
	cp := *d
	s.disputes[d.ID] = &cp
	s.byEscrow[d.EscrowID] = d.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*TradeDispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetByEscrow(ctx context.Context, escrowID string) (*TradeDispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEscrow[escrowID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *s.disputes[id]
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, d *TradeDispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userToken string, limit int) ([]*TradeDispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TradeDispute
	for _, d := range s.disputes {
		if d.InitiatorToken == userToken {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
