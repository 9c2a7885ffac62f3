package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/txsentry/internal/risk"
	"github.com/mbd888/txsentry/internal/validation"
)

// Signals gathers the sender-history signals for one scoring call: the
// sender's lifetime transaction count and the number of logs involving the
// sender within the configured block window.
//
// The two lookups are independent and run concurrently; both must complete
// before the evaluator may run. Any fetch failure is ErrSignalUnavailable -
// missing signals are never silently replaced with zeroes, because a zeroed
// SignalSet reads as "established, quiet account" and would produce a
// falsely low score.
func (s *Source) Signals(ctx context.Context, rec *risk.TransactionRecord) (risk.SignalSet, error) {
	if !validation.IsValidEthAddress(rec.From) {
		return risk.SignalSet{}, fmt.Errorf("%w: sender %q", ErrInvalidAddress, rec.From)
	}
	if !rec.IsContractCreation() && !validation.IsValidEthAddress(rec.To) {
		return risk.SignalSet{}, fmt.Errorf("%w: recipient %q", ErrInvalidAddress, rec.To)
	}

	from := common.HexToAddress(rec.From)

	head, err := s.blockNumber(ctx)
	if err != nil {
		return risk.SignalSet{}, fmt.Errorf("%w: head lookup: %v", ErrSignalUnavailable, err)
	}

	var (
		wg       sync.WaitGroup
		txCount  uint64
		logCount int
		txErr    error
		logErr   error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		txCount, txErr = s.senderTxCount(ctx, from)
	}()
	go func() {
		defer wg.Done()
		logCount, logErr = s.recentLogCount(ctx, from, head)
	}()
	wg.Wait()

	if txErr != nil {
		return risk.SignalSet{}, fmt.Errorf("%w: tx count: %v", ErrSignalUnavailable, txErr)
	}
	if logErr != nil {
		return risk.SignalSet{}, fmt.Errorf("%w: recent logs: %v", ErrSignalUnavailable, logErr)
	}

	return risk.SignalSet{
		SenderTxCount:  txCount,
		RecentLogCount: logCount,
	}, nil
}

// BlockNumber returns the current head block. Exposed for health checks.
func (s *Source) BlockNumber(ctx context.Context) (uint64, error) {
	return s.blockNumber(ctx)
}

func (s *Source) blockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		head, err = s.client.BlockNumber(ctx)
		return err
	})
	return head, err
}

func (s *Source) senderTxCount(ctx context.Context, from common.Address) (uint64, error) {
	var count uint64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.client.NonceAt(ctx, from, nil)
		return err
	})
	return count, err
}

func (s *Source) recentLogCount(ctx context.Context, from common.Address, head uint64) (int, error) {
	fromBlock := uint64(0)
	if head >= s.cfg.SignalWindowBlocks {
		fromBlock = head - s.cfg.SignalWindowBlocks + 1
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{from},
	}

	var count int
	err := s.withRetry(ctx, func(ctx context.Context) error {
		logs, err := s.client.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		count = len(logs)
		return nil
	})
	return count, err
}
