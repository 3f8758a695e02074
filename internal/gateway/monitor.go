package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xusdt/escrow-core/internal/metrics"
)

// FundingConfirmer receives qualifying deposits for watched escrows.
// Implementations must be idempotent per tx hash.
type FundingConfirmer interface {
	ConfirmFunding(ctx context.Context, escrowID, amount, txHash string) error
}

// DepositLister is the slice of Gateway the monitor polls.
type DepositLister interface {
	Deposits(ctx context.Context, addr string, since time.Time) ([]Deposit, error)
}

type watch struct {
	escrowID string
	addr     string
	since    time.Time
	seen     map[string]bool // delivered tx hashes, dropped with the watch
}

// Monitor tracks escrows waiting for a deposit and routes observed deposits
// to the funding confirmer. Watches are cancellable: once a watch is
// removed, late deposits for its address are dropped, never confirmed.
type Monitor struct {
	source    DepositLister
	confirmer FundingConfirmer
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch // by escrow ID
	byAddr  map[string]string // deposit address -> escrow ID

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a deposit monitor polling source at the given interval.
func NewMonitor(source DepositLister, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		source:   source,
		interval: interval,
		logger:   logger,
		watches:  make(map[string]*watch),
		byAddr:   make(map[string]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetConfirmer wires the funding confirmer. Must be called before Start.
func (m *Monitor) SetConfirmer(c FundingConfirmer) {
	m.confirmer = c
}

// Watch registers an escrow's deposit address for observation.
// Replaces any existing watch for the same escrow.
func (m *Monitor) Watch(escrowID, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.watches[escrowID]; ok {
		delete(m.byAddr, old.addr)
	}
	m.watches[escrowID] = &watch{
		escrowID: escrowID,
		addr:     addr,
		since:    time.Now(),
		seen:     make(map[string]bool),
	}
	m.byAddr[addr] = escrowID
	metrics.ActiveDepositWatches.Set(float64(len(m.watches)))
}

// Cancel removes the watch for an escrow. Subsequent deposits to its
// address are ignored.
func (m *Monitor) Cancel(escrowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.watches[escrowID]; ok {
		delete(m.byAddr, w.addr)
		delete(m.watches, escrowID)
	}
	metrics.ActiveDepositWatches.Set(float64(len(m.watches)))
}

// WatchedAddr returns the address under watch for an escrow, or empty
// when no watch is active.
func (m *Monitor) WatchedAddr(escrowID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[escrowID]; ok {
		return w.addr
	}
	return ""
}

// Watching reports whether an escrow currently has an active watch.
func (m *Monitor) Watching(escrowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[escrowID]
	return ok
}

// Start begins the poll loop. The confirmer must be set.
func (m *Monitor) Start(ctx context.Context) error {
	if m.confirmer == nil {
		return fmt.Errorf("deposit monitor started without a confirmer")
	}
	go m.pollLoop(ctx)
	return nil
}

// Stop stops the monitor.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		snapshot = append(snapshot, w)
	}
	m.mu.Unlock()

	for _, w := range snapshot {
		deposits, err := m.source.Deposits(ctx, w.addr, w.since)
		if err != nil {
			m.logger.Error("deposit poll failed", "escrow", w.escrowID, "error", err)
			continue
		}
		for _, dep := range deposits {
			if err := m.deliver(ctx, w.addr, dep); err != nil {
				m.logger.Error("deposit delivery failed",
					"escrow", w.escrowID, "tx", dep.TxHash, "error", err)
			}
		}
	}
}

// DepositObserved accepts deposits pushed by the chain observer. Deposits
// to addresses without an active watch are dropped.
func (m *Monitor) DepositObserved(ctx context.Context, addr string, dep Deposit) error {
	return m.deliver(ctx, addr, dep)
}

func (m *Monitor) deliver(ctx context.Context, addr string, dep Deposit) error {
	m.mu.Lock()
	escrowID, ok := m.byAddr[addr]
	if !ok {
		// Watch cancelled or never existed
		m.mu.Unlock()
		return nil
	}
	w := m.watches[escrowID]
	if w.seen[dep.TxHash] {
		m.mu.Unlock()
		return nil
	}
	// Mark before confirming to block concurrent duplicate delivery.
	// Unmarked on failure so the next poll retries.
	w.seen[dep.TxHash] = true
	m.mu.Unlock()

	if err := m.confirmer.ConfirmFunding(ctx, escrowID, dep.Amount, dep.TxHash); err != nil {
		m.mu.Lock()
		if w, ok := m.watches[escrowID]; ok {
			delete(w.seen, dep.TxHash)
		}
		m.mu.Unlock()
		return err
	}

	metrics.DepositsConfirmedTotal.Inc()
	return nil
}

// Compile-time assertion that Monitor accepts observer deliveries.
var _ DepositSink = (*Monitor)(nil)
