// Package chainwatch confirms on-chain deposits independently of the
// gateway webhook.
//
// It polls ERC-20 Transfer logs to the platform deposit address and
// hands each new transfer to a DepositConfirmer. Both this watcher and
// the provider webhook may observe the same deposit; the canonical
// transition and escrow activation downstream are idempotent, so
// whichever arrives second is a no-op.
package chainwatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// DepositConfirmer folds a confirmed on-chain transfer into canonical
// state. The proof is the transaction hash, reused on retries, so the
// receiver can deduplicate.
type DepositConfirmer interface {
	ConfirmDeposit(ctx context.Context, proof, fromAddr string, amount decimal.Decimal, currency string) error
}

// Config for the deposit watcher.
type Config struct {
	RPCURL         string
	TokenContract  common.Address
	TokenSymbol    string // currency code credited, e.g. USDT
	TokenDecimals  int32
	DepositAddress common.Address
	PollInterval   time.Duration
	StartBlock     uint64 // 0 = latest
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TokenSymbol:   "USDT",
		TokenDecimals: 6,
		PollInterval:  15 * time.Second,
		StartBlock:    0,
	}
}

// Watcher monitors for incoming token deposits.
type Watcher struct {
	client    *ethclient.Client
	config    Config
	confirmer DepositConfirmer
	logger    *slog.Logger

	// Track processed transactions across poll cycles.
	processed map[string]bool
	mu        sync.Mutex

	lastBlock uint64

	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

// New creates a new deposit watcher.
func New(cfg Config, confirmer DepositConfirmer, logger *slog.Logger) (*Watcher, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	return &Watcher{
		client:    client,
		config:    cfg,
		confirmer: confirmer,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching for deposits.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("deposit watcher started",
		"deposit", w.config.DepositAddress.Hex(),
		"token", w.config.TokenContract.Hex(),
		"symbol", w.config.TokenSymbol,
		"startBlock", w.lastBlock,
	)

	w.running.Store(true)
	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit. Safe to
// call when Start failed: the loop never ran, so there is nothing to
// wait for.
func (w *Watcher) Stop() {
	close(w.stop)
	if w.running.Load() {
		<-w.done
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForDeposits(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForDeposits(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	// Transfer events into the platform deposit address.
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{w.config.TokenContract},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any sender
			{common.BytesToHash(w.config.DepositAddress.Bytes())},
		},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processTransfer(ctx, vLog); err != nil {
			w.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	// Skip if already processed. Mark in-progress so concurrent polls
	// never double-confirm; unmark on failure so the next cycle retries.
	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return nil
	}
	w.processed[txHash] = true
	w.mu.Unlock()

	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	// Topics[1] = from (indexed), Topics[2] = to (indexed), Data = amount.
	if len(vLog.Topics) < 3 {
		return fmt.Errorf("invalid transfer event")
	}

	from := strings.ToLower(common.HexToAddress(vLog.Topics[1].Hex()).Hex())
	raw := new(big.Int).SetBytes(vLog.Data)
	amount := tokenAmount(raw, w.config.TokenDecimals)

	if err := w.confirmer.ConfirmDeposit(ctx, txHash, from, amount, w.config.TokenSymbol); err != nil {
		return fmt.Errorf("failed to confirm deposit: %w", err)
	}

	w.logger.Info("deposit confirmed",
		"from", from,
		"amount", amount.String(),
		"symbol", w.config.TokenSymbol,
		"tx", txHash,
	)

	succeeded = true
	return nil
}

// tokenAmount converts a raw token quantity to a decimal using the
// token's on-chain precision.
func tokenAmount(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}
