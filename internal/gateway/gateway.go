// Package gateway abstracts the ledger operations behind escrow settlement.
//
// All value movement goes through a remote custodian service that holds the
// keys; this process never signs or broadcasts transactions. The chain
// observer provides an independent read-only deposit feed so funding does
// not depend on custodian notifications alone.
package gateway

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrUnavailable marks a transient gateway failure that may be retried.
	ErrUnavailable = errors.New("gateway temporarily unavailable")
	// ErrRejected marks a permanent gateway refusal (bad request, no funds).
	ErrRejected = errors.New("gateway rejected the operation")
	// ErrNoAddresses is returned when the custodian cannot allocate an address.
	ErrNoAddresses = errors.New("no deposit addresses available")
)

// Deposit is an observed inbound transfer to a watched address.
type Deposit struct {
	TxHash     string    `json:"txHash"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Amount     string    `json:"amount"` // Decimal USDT string
	ObservedAt time.Time `json:"observedAt"`
}

// Gateway is the ledger abstraction used by the escrow service.
type Gateway interface {
	// NewDepositAddress allocates a fresh deposit address.
	NewDepositAddress(ctx context.Context) (string, error)

	// Transfer moves amount (base units) from a custodied address to dest.
	// Returns the resulting transaction hash.
	Transfer(ctx context.Context, from, to string, amount *big.Int, reference string) (string, error)

	// Deposits lists inbound transfers to addr observed since the given time.
	Deposits(ctx context.Context, addr string, since time.Time) ([]Deposit, error)
}
