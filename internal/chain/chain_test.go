package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txsentry/internal/risk"
)

const testChainID = 11155111

// fakeEthClient implements EthClient in memory.
type fakeEthClient struct {
	mu sync.Mutex

	txs      map[common.Hash]*types.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*types.Receipt
	headers  map[uint64]*types.Header

	head     uint64
	headErr  error
	nonce    uint64
	nonceErr error
	logs     []types.Log
	logsErr  error

	lookups int // total RPC-shaped calls, to assert validation short-circuits
	queries []ethereum.FilterQuery
}

func newFakeEthClient() *fakeEthClient {
	return &fakeEthClient{
		txs:      make(map[common.Hash]*types.Transaction),
		pending:  make(map[common.Hash]bool),
		receipts: make(map[common.Hash]*types.Receipt),
		headers:  make(map[uint64]*types.Header),
	}
}

func (f *fakeEthClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, f.pending[hash], nil
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeEthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	h, ok := f.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (f *fakeEthClient) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.nonce, f.nonceErr
}

func (f *fakeEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	f.queries = append(f.queries, q)
	return f.logs, f.logsErr
}

func (f *fakeEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.head, f.headErr
}

func (f *fakeEthClient) Close() {}

func (f *fakeEthClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

// signedTx creates a real signed legacy transaction so sender recovery works.
func signedTx(t *testing.T, key *ecdsa.PrivateKey, to *common.Address, valueWei, gasPriceWei *big.Int) *types.Transaction {
	t.Helper()
	signer := types.LatestSignerForChainID(big.NewInt(testChainID))
	tx, err := types.SignNewTx(key, signer, &types.LegacyTx{
		Nonce:    0,
		To:       to,
		Value:    valueWei,
		Gas:      21000,
		GasPrice: gasPriceWei,
	})
	require.NoError(t, err)
	return tx
}

// seedTx installs a mined transaction at block 100 with the given timestamp.
func seedTx(t *testing.T, client *fakeEthClient, tx *types.Transaction, blockTime uint64) {
	t.Helper()
	client.txs[tx.Hash()] = tx
	client.receipts[tx.Hash()] = &types.Receipt{
		BlockNumber:       big.NewInt(100),
		EffectiveGasPrice: tx.GasPrice(),
	}
	client.headers[100] = &types.Header{
		Number: big.NewInt(100),
		Time:   blockTime,
	}
}

func newTestSource(t *testing.T, client *fakeEthClient, now time.Time, opts ...func(*Config)) *Source {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ChainID = testChainID
	for _, opt := range opts {
		opt(&cfg)
	}
	src, err := New(cfg, WithClient(client), WithNow(func() time.Time { return now }))
	require.NoError(t, err)
	return src
}

func TestFetchRecord_InvalidHashNoNetworkCall(t *testing.T) {
	client := newFakeEthClient()
	src := newTestSource(t, client, time.Now())

	for _, hash := range []string{"", "0x", "not-a-hash", "0x" + strings.Repeat("ab", 31), strings.Repeat("ab", 33)} {
		_, err := src.FetchRecord(context.Background(), hash)
		assert.ErrorIs(t, err, ErrInvalidInput, "hash %q", hash)
	}
	assert.Zero(t, client.calls(), "validation must reject before any RPC call")
}

func TestFetchRecord_NotFound(t *testing.T) {
	client := newFakeEthClient()
	src := newTestSource(t, client, time.Now())

	_, err := src.FetchRecord(context.Background(), "0x"+strings.Repeat("11", 32))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchRecord_PendingIsNotFound(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx := signedTx(t, key, &to, big.NewInt(1), big.NewInt(1))

	client := newFakeEthClient()
	client.txs[tx.Hash()] = tx
	client.pending[tx.Hash()] = true

	src := newTestSource(t, client, time.Now())
	_, err = src.FetchRecord(context.Background(), tx.Hash().Hex())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchRecord_Normalizes(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0xDAC17F958D2ee523a2206206994597C13D831ec7")

	valueWei, _ := new(big.Int).SetString("100000000000000000", 10) // 0.1 ETH
	gasWei := big.NewInt(40_000_000_000)                            // 40 Gwei
	tx := signedTx(t, key, &to, valueWei, gasWei)

	blockTime := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	now := blockTime.Add(6 * time.Hour)

	client := newFakeEthClient()
	seedTx(t, client, tx, uint64(blockTime.Unix()))

	src := newTestSource(t, client, now)
	rec, err := src.FetchRecord(context.Background(), tx.Hash().Hex())
	require.NoError(t, err)

	assert.Equal(t, strings.ToLower(tx.Hash().Hex()), rec.Hash)
	assert.Equal(t, strings.ToLower(from.Hex()), rec.From)
	assert.Equal(t, "0xdac17f958d2ee523a2206206994597c13d831ec7", rec.To)
	assert.Equal(t, "0.100000", rec.ValueEth().FloatString(6))
	assert.Equal(t, "40.000000", rec.GasPriceGwei().FloatString(6))
	assert.Equal(t, blockTime.Unix(), rec.Timestamp)
	assert.InDelta(t, 6.0, rec.AgeHours, 1e-9)
}

func TestFetchRecord_ContractCreation(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, nil, big.NewInt(0), big.NewInt(1_000_000_000))

	client := newFakeEthClient()
	seedTx(t, client, tx, uint64(time.Now().Unix()))

	src := newTestSource(t, client, time.Now())
	rec, err := src.FetchRecord(context.Background(), tx.Hash().Hex())
	require.NoError(t, err)

	assert.Equal(t, risk.ContractCreation, rec.To)
	assert.True(t, rec.IsContractCreation())
}

func TestFetchRecord_FutureBlockTimestampClampsAge(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx := signedTx(t, key, &to, big.NewInt(1), big.NewInt(1))

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	client := newFakeEthClient()
	seedTx(t, client, tx, uint64(now.Add(30*time.Second).Unix())) // clock skew

	src := newTestSource(t, client, now)
	rec, err := src.FetchRecord(context.Background(), tx.Hash().Hex())
	require.NoError(t, err)

	assert.Equal(t, 0.0, rec.AgeHours)
}

func TestFetchRecord_UsesEffectiveGasPrice(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx := signedTx(t, key, &to, big.NewInt(1), big.NewInt(100_000_000_000)) // fee cap 100 Gwei

	client := newFakeEthClient()
	seedTx(t, client, tx, uint64(time.Now().Unix()))
	// Actually paid 12 Gwei
	client.receipts[tx.Hash()].EffectiveGasPrice = big.NewInt(12_000_000_000)

	src := newTestSource(t, client, time.Now())
	rec, err := src.FetchRecord(context.Background(), tx.Hash().Hex())
	require.NoError(t, err)

	assert.Equal(t, "12.000000", rec.GasPriceGwei().FloatString(6))
}
