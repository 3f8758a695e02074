// Package escrow implements the settlement state machine for P2P trades.
//
// Flow:
//  1. Orchestrator creates an escrow → custodian allocates a deposit address
//  2. Seller funds the address → deposit monitor confirms → funded
//  3. Buyer settles fiat off-platform, buyer releases → USDT to seller minus fee
//  4. Either party disputes → admin resolves → released, refunded, or split
//
// Terminal records (released, refunded) are immutable and never deleted.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/xusdt/escrow-core/internal/gateway"
	"github.com/xusdt/escrow-core/internal/idgen"
	"github.com/xusdt/escrow-core/internal/logging"
	"github.com/xusdt/escrow-core/internal/metrics"
	"github.com/xusdt/escrow-core/internal/retry"
	"github.com/xusdt/escrow-core/internal/traces"
	"github.com/xusdt/escrow-core/internal/usdt"
)

var (
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrInvalidState     = errors.New("invalid escrow state for this operation")
	ErrUnauthorized     = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrAlreadyResolved  = errors.New("escrow already resolved")
	ErrTransferFailed   = errors.New("ledger transfer failed")
	ErrAddressExhausted = errors.New("could not allocate a deposit address")
	ErrVersionConflict  = errors.New("escrow was modified concurrently")
)

// State represents the escrow state machine position.
type State string

const (
	StateCreated           State = "created"
	StateWaitingForDeposit State = "waiting_for_deposit"
	StateFunded            State = "funded"
	StateReleasing         State = "releasing" // Write-ahead marker, transient
	StateDisputed          State = "disputed"
	StateReleased          State = "released"
	StateRefunded          State = "refunded"
)

// Resolution outcomes for disputed escrows.
const (
	OutcomeSellerFavored = "seller_favored"
	OutcomeBuyerFavored  = "buyer_favored"
	OutcomeSplit         = "split"
)

// addressAllocationAttempts bounds custodian address allocation retries.
const addressAllocationAttempts = 3

// Escrow is a settlement record for one trade.
type Escrow struct {
	ID            string     `json:"id"`
	Address       string     `json:"address"` // Deposit address, immutable once set
	BuyerToken    string     `json:"buyerToken"`
	SellerToken   string     `json:"sellerToken"`
	BuyerAddr     string     `json:"buyerAddr,omitempty"`  // Buyer payout address
	SellerAddr    string     `json:"sellerAddr,omitempty"` // Seller payout address
	Amount        string     `json:"amount,omitempty"`     // Actual deposited amount
	MinAmount     string     `json:"minAmount,omitempty"`  // Expected minimum deposit
	FeePercent    string     `json:"feePercent"`
	FeeAmount     string     `json:"feeAmount,omitempty"` // Snapshot taken at settlement
	State         State      `json:"state"`
	DepositTxHash string     `json:"depositTxHash,omitempty"`
	ReleaseTxHash string     `json:"releaseTxHash,omitempty"` // Persisted before the terminal flip
	RefundTxHash  string     `json:"refundTxHash,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	FundedAt      *time.Time `json:"fundedAt,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	Version       int64      `json:"-"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.State {
	case StateReleased, StateRefunded:
		return true
	}
	return false
}

// IsParty reports whether userToken belongs to the buyer or seller.
func (e *Escrow) IsParty(userToken string) bool {
	return userToken != "" && (userToken == e.BuyerToken || userToken == e.SellerToken)
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByUser(ctx context.Context, userToken string, limit int) ([]*Escrow, error)
	// Settle persists a terminal transition and credits fee to the system
	// wallet in a single commit.
	Settle(ctx context.Context, escrow *Escrow, fee *big.Int) error
}

// DepositWatcher registers and cancels deposit watches.
type DepositWatcher interface {
	Watch(escrowID, addr string)
	Cancel(escrowID string)
}

// EventSink receives escrow lifecycle notifications.
type EventSink interface {
	EscrowUpdated(escrow *Escrow)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BuyerToken  string
	SellerToken string
}

// Service implements escrow business logic.
type Service struct {
	store   Store
	gateway gateway.Gateway
	fees    FeePolicy
	watcher DepositWatcher
	events  EventSink
	locks   sync.Map // per-escrow ID locks to prevent race conditions
}

// NewService creates a new escrow service.
func NewService(store Store, gw gateway.Gateway, fees FeePolicy) *Service {
	return &Service{
		store:   store,
		gateway: gw,
		fees:    fees,
	}
}

// WithDepositWatcher adds a deposit watcher for funding confirmation.
func (s *Service) WithDepositWatcher(w DepositWatcher) *Service {
	s.watcher = w
	return s
}

// WithEventSink adds a lifecycle event sink.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.events = sink
	return s
}

// escrowLock returns a mutex for the given escrow ID.
// This prevents concurrent state transitions (e.g. release + dispute racing).
func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) notify(e *Escrow) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(e.State)).Inc()
	if s.events != nil {
		s.events.EscrowUpdated(e)
	}
}

// Create allocates a deposit address and opens a new escrow record.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create")
	defer span.End()

	if req.BuyerToken == "" || req.SellerToken == "" {
		return nil, errors.New("buyer and seller tokens are required")
	}
	if req.BuyerToken == req.SellerToken {
		return nil, errors.New("buyer and seller cannot be the same user")
	}

	var addr string
	err := retry.Do(ctx, addressAllocationAttempts, 200*time.Millisecond, func() error {
		a, err := s.gateway.NewDepositAddress(ctx)
		if err != nil {
			if errors.Is(err, gateway.ErrRejected) {
				return retry.Permanent(err)
			}
			return err
		}
		addr = a
		return nil
	})
	if err != nil {
		logging.L(ctx).Error("deposit address allocation failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAddressExhausted, err)
	}

	now := time.Now()
	escrow := &Escrow{
		ID:          idgen.WithPrefix("esc_"),
		Address:     strings.ToLower(addr),
		BuyerToken:  req.BuyerToken,
		SellerToken: req.SellerToken,
		FeePercent:  s.fees.PercentString(),
		State:       StateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowCreatedTotal.Inc()
	s.notify(escrow)
	return escrow, nil
}

// UpdateParties sets the payout addresses. Allowed only before funding starts.
func (s *Service) UpdateParties(ctx context.Context, id, buyerAddr, sellerAddr string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.State != StateCreated {
		return nil, ErrInvalidState
	}

	if buyerAddr != "" {
		escrow.BuyerAddr = strings.ToLower(buyerAddr)
	}
	if sellerAddr != "" {
		escrow.SellerAddr = strings.ToLower(sellerAddr)
	}
	escrow.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// FundIntent moves the escrow to waiting_for_deposit and starts watching the
// deposit address. Non-blocking: confirmation arrives through ConfirmFunding.
func (s *Service) FundIntent(ctx context.Context, id, minAmount string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.FundIntent", traces.EscrowID(id))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.State != StateCreated {
		return nil, ErrInvalidState
	}

	if _, ok := usdt.Parse(minAmount); !ok {
		return nil, ErrInvalidAmount
	}

	escrow.MinAmount = minAmount
	escrow.State = StateWaitingForDeposit
	escrow.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}

	if s.watcher != nil {
		s.watcher.Watch(escrow.ID, escrow.Address)
	}

	s.notify(escrow)
	return escrow, nil
}

// ConfirmFunding records a qualifying deposit and moves the escrow to funded.
// Idempotent per deposit tx hash: redelivery of the same tx is a no-op.
func (s *Service) ConfirmFunding(ctx context.Context, id, amount, txHash string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmFunding",
		traces.EscrowID(id), traces.TxHash(txHash))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	// Duplicate delivery of the confirming deposit
	if escrow.DepositTxHash == txHash && escrow.State != StateWaitingForDeposit {
		return nil
	}

	if escrow.State != StateWaitingForDeposit {
		return ErrInvalidState
	}

	deposited, ok := usdt.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	min, _ := usdt.Parse(escrow.MinAmount)
	if min != nil && deposited.Cmp(min) < 0 {
		// Short deposit: keep waiting, a further deposit may still qualify
		logging.L(ctx).Warn("deposit below expected minimum",
			"escrow", escrow.ID, "amount", amount, "min", escrow.MinAmount, "tx", txHash)
		return nil
	}

	now := time.Now()
	escrow.Amount = amount
	escrow.DepositTxHash = txHash
	escrow.State = StateFunded
	escrow.FundedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.Update(ctx, escrow); err != nil {
		return err
	}

	if s.watcher != nil {
		s.watcher.Cancel(escrow.ID)
	}

	logging.L(ctx).Info("escrow funded",
		"escrow", escrow.ID, "amount", amount, "tx", txHash)
	s.notify(escrow)
	return nil
}

// CancelFunding abandons the deposit wait and returns the escrow to created.
// The watch is cancelled first so a racing confirmation cannot land after.
func (s *Service) CancelFunding(ctx context.Context, id string) (*Escrow, error) {
	if s.watcher != nil {
		s.watcher.Cancel(id)
	}

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.State != StateWaitingForDeposit {
		return nil, ErrInvalidState
	}

	escrow.State = StateCreated
	escrow.MinAmount = ""
	escrow.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}

	s.notify(escrow)
	return escrow, nil
}

// Release settles a funded escrow to the seller. Either party may request
// it: the buyer confirms the fiat leg completed, the seller can settle
// voluntarily. The payout always goes to the seller address. The transfer
// amount is the deposit minus the platform fee; the fee is credited to the
// system wallet in the same commit as the terminal flip. A retried release
// after success returns the same terminal record without moving funds.
func (s *Service) Release(ctx context.Context, id, requesterToken string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !escrow.IsParty(requesterToken) {
		return nil, ErrUnauthorized
	}
	// Duplicate release after success: same terminal result, no transfer
	if escrow.State == StateReleased {
		return escrow, nil
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.State != StateFunded {
		return nil, ErrInvalidState
	}
	if escrow.SellerAddr == "" {
		return nil, fmt.Errorf("%w: seller payout address not set", ErrInvalidState)
	}

	amount, ok := usdt.Parse(escrow.Amount)
	if !ok {
		return nil, ErrInvalidAmount
	}
	fee := s.fees.Fee(amount)
	payout := new(big.Int).Sub(amount, fee)
	if payout.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit does not cover the fee", ErrInvalidAmount)
	}

	// Write-ahead: mark releasing before any funds move so a crash between
	// transfer and terminal flip is detectable.
	escrow.State = StateReleasing
	escrow.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	s.notify(escrow)

	txHash, err := s.transfer(ctx, escrow.Address, escrow.SellerAddr, payout, escrow.ID)
	if err != nil {
		// Funds did not move: roll back to funded so release can be retried
		escrow.State = StateFunded
		escrow.UpdatedAt = time.Now()
		if uerr := s.store.Update(ctx, escrow); uerr != nil {
			logging.L(ctx).Error("CRITICAL: failed to roll back releasing state",
				"escrow", escrow.ID, "error", uerr)
		}
		metrics.TransferFailuresTotal.Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	now := time.Now()
	escrow.ReleaseTxHash = txHash
	escrow.FeeAmount = usdt.Format(fee)
	escrow.State = StateReleased
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.settle(ctx, escrow, fee); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("escrow released",
		"escrow", escrow.ID, "payout", usdt.Format(payout), "fee", escrow.FeeAmount, "tx", txHash)
	s.notify(escrow)
	return escrow, nil
}

// Dispute freezes a funded escrow pending admin resolution. Either party
// may open the dispute.
func (s *Service) Dispute(ctx context.Context, id, requesterToken string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !escrow.IsParty(requesterToken) {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.State != StateFunded {
		return nil, ErrInvalidState
	}

	escrow.State = StateDisputed
	escrow.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}

	s.notify(escrow)
	return escrow, nil
}

// Resolve settles a disputed escrow per the admin decision. splitBps is the
// seller's share of the distributable amount in basis points; it is only
// consulted for the split outcome.
func (s *Service) Resolve(ctx context.Context, id, outcome string, splitBps int) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Resolve", traces.EscrowID(id))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.State != StateDisputed {
		return nil, ErrInvalidState
	}

	amount, ok := usdt.Parse(escrow.Amount)
	if !ok {
		return nil, ErrInvalidAmount
	}
	fee := s.fees.Fee(amount)
	distributable := new(big.Int).Sub(amount, fee)
	if distributable.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit does not cover the fee", ErrInvalidAmount)
	}

	var sellerShare, buyerShare *big.Int
	var finalState State
	switch outcome {
	case OutcomeSellerFavored:
		sellerShare, buyerShare = distributable, new(big.Int)
		finalState = StateReleased
	case OutcomeBuyerFavored:
		sellerShare, buyerShare = new(big.Int), distributable
		finalState = StateRefunded
	case OutcomeSplit:
		if splitBps < 0 || splitBps > 10000 {
			return nil, fmt.Errorf("%w: split must be 0..10000 basis points", ErrInvalidAmount)
		}
		sellerShare = new(big.Int).Mul(distributable, big.NewInt(int64(splitBps)))
		sellerShare.Div(sellerShare, big.NewInt(10000))
		buyerShare = new(big.Int).Sub(distributable, sellerShare)
		finalState = StateReleased
	default:
		return nil, fmt.Errorf("unknown resolution outcome %q", outcome)
	}

	if sellerShare.Sign() > 0 && escrow.SellerAddr == "" {
		return nil, fmt.Errorf("%w: seller payout address not set", ErrInvalidState)
	}
	if buyerShare.Sign() > 0 && escrow.BuyerAddr == "" {
		return nil, fmt.Errorf("%w: buyer payout address not set", ErrInvalidState)
	}

	// Write-ahead before moving funds
	escrow.State = StateReleasing
	escrow.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	s.notify(escrow)

	rollback := func() {
		escrow.State = StateDisputed
		escrow.UpdatedAt = time.Now()
		if uerr := s.store.Update(ctx, escrow); uerr != nil {
			logging.L(ctx).Error("CRITICAL: failed to roll back resolution state",
				"escrow", escrow.ID, "error", uerr)
		}
		metrics.TransferFailuresTotal.Inc()
	}

	if sellerShare.Sign() > 0 {
		txHash, err := s.transfer(ctx, escrow.Address, escrow.SellerAddr, sellerShare, escrow.ID)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		escrow.ReleaseTxHash = txHash
		// Persist the tx hash before the second leg so a crash leaves a trail
		if err := s.store.Update(ctx, escrow); err != nil {
			logging.L(ctx).Error("CRITICAL: seller leg sent but not persisted",
				"escrow", escrow.ID, "tx", txHash, "error", err)
		}
	}
	if buyerShare.Sign() > 0 {
		txHash, err := s.transfer(ctx, escrow.Address, escrow.BuyerAddr, buyerShare, escrow.ID)
		if err != nil {
			if escrow.ReleaseTxHash != "" {
				// Seller leg already settled on chain; this needs an operator
				logging.L(ctx).Error("CRITICAL: buyer leg failed after seller leg",
					"escrow", escrow.ID, "sellerTx", escrow.ReleaseTxHash, "error", err)
				metrics.TransferFailuresTotal.Inc()
				return nil, fmt.Errorf("%w: partial resolution requires manual intervention: %v", ErrTransferFailed, err)
			}
			rollback()
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		escrow.RefundTxHash = txHash
	}

	now := time.Now()
	escrow.FeeAmount = usdt.Format(fee)
	escrow.State = finalState
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.settle(ctx, escrow, fee); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("dispute resolved",
		"escrow", escrow.ID, "outcome", outcome,
		"sellerShare", usdt.Format(sellerShare), "buyerShare", usdt.Format(buyerShare))
	s.notify(escrow)
	return escrow, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userToken string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userToken, limit)
}

// transfer moves funds through the gateway with bounded retries.
// Business refusals are permanent; transient gateway errors retry.
func (s *Service) transfer(ctx context.Context, from, to string, amount *big.Int, reference string) (string, error) {
	var txHash string
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		h, err := s.gateway.Transfer(ctx, from, to, amount, reference)
		if err != nil {
			if errors.Is(err, gateway.ErrRejected) {
				return retry.Permanent(err)
			}
			return err
		}
		txHash = h
		return nil
	})
	return txHash, err
}

// settle commits a terminal transition, retrying once since funds already
// moved and the record must not be left behind.
func (s *Service) settle(ctx context.Context, escrow *Escrow, fee *big.Int) error {
	if err := s.store.Settle(ctx, escrow, fee); err != nil {
		if retryErr := s.store.Settle(ctx, escrow, fee); retryErr != nil {
			// Funds moved on chain but the record is stale. Nothing safe to
			// compensate with; flag for manual resolution.
			logging.L(ctx).Error("CRITICAL: funds moved but settle commit failed",
				"escrow", escrow.ID, "error", retryErr)
			return fmt.Errorf("failed to settle escrow after fund movement (requires manual resolution): %w", err)
		}
	}
	feeFloat, _ := new(big.Float).Quo(new(big.Float).SetInt(fee), big.NewFloat(1e6)).Float64()
	metrics.FeesCollectedTotal.Add(feeFloat)
	if escrow.FundedAt != nil && escrow.ResolvedAt != nil {
		metrics.EscrowSettlementDuration.Observe(escrow.ResolvedAt.Sub(escrow.CreatedAt).Seconds())
	}
	return nil
}
