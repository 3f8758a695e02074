// Package treasury tracks the system wallet that accumulates escrow fees.
//
// Fees are credited by the escrow store inside the same commit as the
// terminal state transition; this package owns the read side, the sweep
// bookkeeping, and the in-memory credit path.
package treasury

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var ErrWalletNotFound = errors.New("system wallet not found")

// SystemWallet is the platform fee pool.
type SystemWallet struct {
	Address        string     `json:"address"`
	CurrentBalance string     `json:"currentBalance"`
	CollectedFees  string     `json:"collectedFees"`
	LastSweptAt    *time.Time `json:"lastSweptAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Store persists system wallet state.
type Store interface {
	Get(ctx context.Context) (*SystemWallet, error)
	// Credit adds amount (base units) to the collected fees and balance.
	Credit(ctx context.Context, amount *big.Int) error
	// MarkSwept records that accumulated fees were swept to cold storage.
	MarkSwept(ctx context.Context, at time.Time) error
}
