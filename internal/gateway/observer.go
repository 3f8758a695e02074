package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/xusdt/escrow-core/internal/usdt"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// DepositSink receives deposits observed on chain. Implementations must be
// idempotent per tx hash since the custodian feed may report the same
// deposit.
type DepositSink interface {
	DepositObserved(ctx context.Context, addr string, dep Deposit) error
}

// ObserverConfig configures the chain observer.
type ObserverConfig struct {
	RPCURL       string
	ChainID      int64 // Expected chain, verified at Start; 0 skips the check
	USDTContract common.Address
	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest
}

// DefaultObserverConfig returns sensible defaults.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// ChainObserver watches the USDT contract for transfers into escrow deposit
// addresses. It is read-only and independent of the custodian, so a deposit
// is confirmed even if the custodian's own feed lags.
type ChainObserver struct {
	client *ethclient.Client
	config ObserverConfig
	sink   DepositSink
	logger *slog.Logger

	// Watched deposit addresses
	watched map[common.Address]bool

	// Track processed transactions
	processed map[string]bool
	mu        sync.Mutex

	// Last processed block
	lastBlock uint64

	// Shutdown
	stop chan struct{}
	done chan struct{}
}

// NewChainObserver creates an observer connected to the given RPC endpoint.
func NewChainObserver(cfg ObserverConfig, sink DepositSink, logger *slog.Logger) (*ChainObserver, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	return &ChainObserver{
		client:    client,
		config:    cfg,
		sink:      sink,
		logger:    logger,
		watched:   make(map[common.Address]bool),
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// WatchAddress adds a deposit address to the observation set.
func (o *ChainObserver) WatchAddress(addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.watched[common.HexToAddress(addr)] = true
}

// UnwatchAddress removes a deposit address from the observation set.
func (o *ChainObserver) UnwatchAddress(addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.watched, common.HexToAddress(addr))
}

// verifyChainID rejects an RPC endpoint on the wrong chain. A mismatched
// endpoint would silently observe nothing (or the wrong token contract).
func (o *ChainObserver) verifyChainID(got *big.Int) error {
	if o.config.ChainID == 0 {
		return nil
	}
	if got == nil || !got.IsInt64() || got.Int64() != o.config.ChainID {
		return fmt.Errorf("rpc endpoint is on chain %v, expected %d", got, o.config.ChainID)
	}
	return nil
}

// Start begins polling for transfers.
func (o *ChainObserver) Start(ctx context.Context) error {
	chainID, err := o.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain id: %w", err)
	}
	if err := o.verifyChainID(chainID); err != nil {
		return err
	}

	if o.config.StartBlock == 0 {
		block, err := o.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		o.lastBlock = block
	} else {
		o.lastBlock = o.config.StartBlock
	}

	o.logger.Info("chain observer started",
		"usdt", o.config.USDTContract.Hex(),
		"startBlock", o.lastBlock,
	)

	go o.pollLoop(ctx)
	return nil
}

// Stop stops the observer.
func (o *ChainObserver) Stop() {
	close(o.stop)
	<-o.done
}

func (o *ChainObserver) pollLoop(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			if err := o.checkForTransfers(ctx); err != nil {
				o.logger.Error("transfer check failed", "error", err)
			}
		}
	}
}

func (o *ChainObserver) checkForTransfers(ctx context.Context) error {
	currentBlock, err := o.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= o.lastBlock {
		return nil
	}

	o.mu.Lock()
	toTopics := make([]common.Hash, 0, len(o.watched))
	for addr := range o.watched {
		toTopics = append(toTopics, common.BytesToHash(addr.Bytes()))
	}
	o.mu.Unlock()

	// No escrow is waiting for a deposit
	if len(toTopics) == 0 {
		o.lastBlock = currentBlock
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(o.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{o.config.USDTContract},
		Topics: [][]common.Hash{
			{transferEventSig}, // Transfer event
			nil,                // Any from address
			toTopics,           // To any watched deposit address
		},
	}

	logs, err := o.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := o.processTransfer(ctx, vLog); err != nil {
			o.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	o.lastBlock = currentBlock
	return nil
}

func (o *ChainObserver) processTransfer(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	// Skip if already processed
	o.mu.Lock()
	if o.processed[txHash] {
		o.mu.Unlock()
		return nil
	}
	// Mark as in-progress to prevent concurrent duplicate processing.
	// If processing fails, we remove it so the next poll can retry.
	o.processed[txHash] = true
	o.mu.Unlock()

	// On failure, unmark so the transfer is retried on the next poll cycle.
	var succeeded bool
	defer func() {
		if !succeeded {
			o.mu.Lock()
			delete(o.processed, txHash)
			o.mu.Unlock()
		}
	}()

	// Topics[1] = from address (indexed)
	// Topics[2] = to address (indexed)
	// Data = amount
	if len(vLog.Topics) < 3 {
		return fmt.Errorf("invalid transfer event")
	}

	from := common.HexToAddress(vLog.Topics[1].Hex())
	to := common.HexToAddress(vLog.Topics[2].Hex())
	amount := new(big.Int).SetBytes(vLog.Data)

	dep := Deposit{
		TxHash:     txHash,
		From:       strings.ToLower(from.Hex()),
		To:         strings.ToLower(to.Hex()),
		Amount:     usdt.Format(amount),
		ObservedAt: time.Now(),
	}

	if err := o.sink.DepositObserved(ctx, dep.To, dep); err != nil {
		return fmt.Errorf("failed to deliver deposit: %w", err)
	}

	o.logger.Info("deposit observed on chain",
		"to", dep.To,
		"amount", dep.Amount,
		"tx", txHash,
	)

	succeeded = true
	return nil
}
