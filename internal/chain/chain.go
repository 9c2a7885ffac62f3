// Package chain reads transaction data from an Ethereum node and normalizes
// it into the canonical records the risk engine scores.
//
// The package never interprets the data it fetches; unit conversion and
// recipient normalization happen here, rule evaluation happens in risk.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/txsentry/internal/retry"
	"github.com/mbd888/txsentry/internal/risk"
	"github.com/mbd888/txsentry/internal/validation"
)

// Typed errors for the scoring error taxonomy. Input and not-found errors
// abort a scoring call immediately; signal errors are fail-closed; the
// engine never substitutes zeroed signals and reports a falsely low score.
var (
	ErrInvalidInput      = errors.New("chain: invalid transaction hash")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrNotFound          = errors.New("chain: transaction not found")
	ErrSignalUnavailable = errors.New("chain: signals unavailable")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Config for the chain source.
type Config struct {
	RPCURL  string
	ChainID int64

	// SignalWindowBlocks is how many blocks back from the head the recent-log
	// signal looks. The window materially changes frequent-transaction
	// sensitivity, so it is explicit configuration, not a constant.
	// 1 = the latest block only.
	SignalWindowBlocks uint64

	// RequestTimeout bounds each RPC call.
	RequestTimeout time.Duration

	// LookupAttempts bounds retries per lookup. 1 = no retry. All lookups
	// are read-only, so retrying is idempotent.
	LookupAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SignalWindowBlocks: 1,
		RequestTimeout:     10 * time.Second,
		LookupAttempts:     1,
	}
}

// Source fetches and normalizes transactions and sender-history signals.
type Source struct {
	client  EthClient
	chainID *big.Int
	cfg     Config
	now     func() time.Time
}

// Option configures the source.
type Option func(*Source)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithNow overrides the clock used for age computation (useful for testing).
func WithNow(now func() time.Time) Option {
	return func(s *Source) {
		s.now = now
	}
}

// New creates a chain source.
func New(cfg Config, opts ...Option) (*Source, error) {
	if cfg.SignalWindowBlocks == 0 {
		cfg.SignalWindowBlocks = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.LookupAttempts <= 0 {
		cfg.LookupAttempts = 1
	}

	s := &Source{
		chainID: big.NewInt(cfg.ChainID),
		cfg:     cfg,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		s.client = client
	}

	return s, nil
}

// FetchRecord looks up a transaction by hash and normalizes it. The hash is
// validated before any network call. A missing or still-pending transaction
// fails with ErrNotFound; never a partially populated record.
func (s *Source) FetchRecord(ctx context.Context, txHash string) (*risk.TransactionRecord, error) {
	if !validation.IsValidTxHash(txHash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInput, txHash)
	}
	hash := common.HexToHash(txHash)

	var (
		tx      *types.Transaction
		receipt *types.Receipt
		header  *types.Header
	)

	err := s.withRetry(ctx, func(ctx context.Context) error {
		var (
			pending bool
			err     error
		)
		tx, pending, err = s.client.TransactionByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, txHash))
			}
			return fmt.Errorf("transaction lookup: %w", err)
		}
		if pending {
			// Not yet mined: no block, no timestamp, no age.
			return retry.Permanent(fmt.Errorf("%w: %s not yet mined", ErrNotFound, txHash))
		}

		receipt, err = s.client.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, txHash))
			}
			return fmt.Errorf("receipt lookup: %w", err)
		}

		header, err = s.client.HeaderByNumber(ctx, receipt.BlockNumber)
		if err != nil {
			return fmt.Errorf("header lookup: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.normalize(tx, receipt, header)
}

// normalize converts a raw transaction + receipt + block header into the
// canonical record. Monetary fields stay big-integer scaled.
func (s *Source) normalize(tx *types.Transaction, receipt *types.Receipt, header *types.Header) (*risk.TransactionRecord, error) {
	from, err := types.Sender(types.LatestSignerForChainID(s.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("chain: recover sender: %w", err)
	}

	to := risk.ContractCreation
	if tx.To() != nil {
		to = strings.ToLower(tx.To().Hex())
	}

	// Dynamic-fee transactions carry a fee cap rather than a fixed price;
	// the receipt has what was actually paid.
	gasPrice := tx.GasPrice()
	if receipt.EffectiveGasPrice != nil {
		gasPrice = receipt.EffectiveGasPrice
	}

	// Block timestamps can sit slightly in the future of our clock.
	// Negative ages are clamped to zero rather than rejected.
	ageHours := s.now().Sub(time.Unix(int64(header.Time), 0)).Hours()
	if ageHours < 0 {
		ageHours = 0
	}

	return &risk.TransactionRecord{
		Hash:        strings.ToLower(tx.Hash().Hex()),
		From:        strings.ToLower(from.Hex()),
		To:          to,
		ValueWei:    new(big.Int).Set(tx.Value()),
		GasPriceWei: new(big.Int).Set(gasPrice),
		Timestamp:   int64(header.Time),
		AgeHours:    ageHours,
	}, nil
}

// withRetry runs fn with the configured per-call timeout and bounded retries.
func (s *Source) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.cfg.LookupAttempts, 250*time.Millisecond, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		return fn(callCtx)
	})
}

// Close closes the underlying client connection.
func (s *Source) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
