package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txsentry/internal/chain"
	"github.com/mbd888/txsentry/internal/predictor"
	"github.com/mbd888/txsentry/internal/risk"
)

const testHash = "0xaabbccddaabbccddaabbccddaabbccddaabbccddaabbccddaabbccddaabbccdd"

type fakeSource struct {
	rec     *risk.TransactionRecord
	recErr  error
	sig     risk.SignalSet
	sigErr  error
	fetches int
}

func (f *fakeSource) FetchRecord(_ context.Context, _ string) (*risk.TransactionRecord, error) {
	f.fetches++
	if f.recErr != nil {
		return nil, f.recErr
	}
	return f.rec, nil
}

func (f *fakeSource) Signals(_ context.Context, _ *risk.TransactionRecord) (risk.SignalSet, error) {
	if f.sigErr != nil {
		return risk.SignalSet{}, f.sigErr
	}
	return f.sig, nil
}

type fakePredictor struct {
	pred  *predictor.Prediction
	err   error
	calls int
	fv    predictor.FeatureVector
}

func (f *fakePredictor) Predict(_ context.Context, fv predictor.FeatureVector) (*predictor.Prediction, error) {
	f.calls++
	f.fv = fv
	if f.err != nil {
		return nil, f.err
	}
	return f.pred, nil
}

// recordingStore signals on ch when the async audit write lands.
type recordingStore struct {
	mu      sync.Mutex
	results []*risk.Result
	ch      chan struct{}
}

func newRecordingStore() *recordingStore {
	return &recordingStore{ch: make(chan struct{}, 8)}
}

func (s *recordingStore) Record(_ context.Context, res *risk.Result) error {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
	s.ch <- struct{}{}
	return nil
}

func (s *recordingStore) ListByAddress(_ context.Context, from string, limit int) ([]*risk.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*risk.Result, len(s.results))
	copy(out, s.results)
	return out, nil
}

func (s *recordingStore) waitForWrite(t *testing.T) {
	t.Helper()
	select {
	case <-s.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit store write")
	}
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	results []*risk.Result
}

func (b *fakeBroadcaster) BroadcastAssessment(res *risk.Result) {
	b.mu.Lock()
	b.results = append(b.results, res)
	b.mu.Unlock()
}

func eth(t *testing.T, s string) *big.Int {
	t.Helper()
	r, ok := new(big.Rat).SetString(s)
	require.True(t, ok)
	wei := new(big.Rat).Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))
	require.True(t, wei.IsInt())
	return wei.Num()
}

func gwei(t *testing.T, s string) *big.Int {
	t.Helper()
	r, ok := new(big.Rat).SetString(s)
	require.True(t, ok)
	wei := new(big.Rat).Mul(r, new(big.Rat).SetInt(big.NewInt(1_000_000_000)))
	require.True(t, wei.IsInt())
	return wei.Num()
}

func cleanRecord(t *testing.T) *risk.TransactionRecord {
	t.Helper()
	// Small transfer, cheap gas, allow-listed recipient, settled long ago:
	// trips no rules.
	return &risk.TransactionRecord{
		Hash:        testHash,
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0xdac17f958d2ee523a2206206994597c13d831ec7",
		ValueWei:    eth(t, "0.1"),
		GasPriceWei: gwei(t, "5"),
		AgeHours:    40,
	}
}

func TestScoreTransaction_CleanTransaction(t *testing.T) {
	src := &fakeSource{
		rec: cleanRecord(t),
		sig: risk.SignalSet{SenderTxCount: 50, RecentLogCount: 0},
	}
	store := newRecordingStore()
	e := New(src, WithStore(store))

	res, err := e.ScoreTransaction(context.Background(), testHash)
	require.NoError(t, err)

	assert.Equal(t, testHash, res.Hash)
	assert.Zero(t, res.RuleScore)
	assert.Empty(t, res.Flags)
	assert.Nil(t, res.ExternalProbability)
	assert.False(t, res.IsFraudVerdict)
	assert.False(t, res.EvaluatedAt.IsZero())

	store.waitForWrite(t)
	require.Len(t, store.results, 1)
	assert.Equal(t, res, store.results[0])
}

func TestScoreTransaction_RiskyTransactionScores(t *testing.T) {
	rec := cleanRecord(t)
	rec.ValueWei = big.NewInt(0) // zero value
	rec.GasPriceWei = gwei(t, "60")
	rec.AgeHours = 0

	src := &fakeSource{
		rec: rec,
		sig: risk.SignalSet{SenderTxCount: 2, RecentLogCount: 20},
	}
	e := New(src, WithStore(newRecordingStore()))

	res, err := e.ScoreTransaction(context.Background(), testHash)
	require.NoError(t, err)

	assert.Equal(t, float64(100), res.RuleScore)
	assert.Contains(t, res.Flags, risk.FlagZeroValue)
	assert.Contains(t, res.Flags, risk.FlagGasVeryHigh)
	assert.Contains(t, res.Flags, risk.FlagNewAccount)
}

func TestScoreTransaction_FetchErrorPassesThrough(t *testing.T) {
	src := &fakeSource{recErr: chain.ErrNotFound}
	e := New(src, WithStore(newRecordingStore()))

	_, err := e.ScoreTransaction(context.Background(), testHash)
	assert.ErrorIs(t, err, chain.ErrNotFound)
}

func TestScoreTransaction_SignalErrorFailsClosed(t *testing.T) {
	src := &fakeSource{
		rec:    cleanRecord(t),
		sigErr: chain.ErrSignalUnavailable,
	}
	store := newRecordingStore()
	e := New(src, WithStore(store))

	_, err := e.ScoreTransaction(context.Background(), testHash)
	assert.ErrorIs(t, err, chain.ErrSignalUnavailable)

	// No result was produced, so nothing may reach the audit store.
	select {
	case <-store.ch:
		t.Fatal("failed assessment must not be recorded")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScoreTransaction_PredictorSuccess(t *testing.T) {
	src := &fakeSource{
		rec: cleanRecord(t),
		sig: risk.SignalSet{SenderTxCount: 75},
	}
	pred := &fakePredictor{pred: &predictor.Prediction{Probability: 0.42, IsFraud: true}}
	e := New(src, WithStore(newRecordingStore()), WithPredictor(pred))

	res, err := e.ScoreTransaction(context.Background(), testHash)
	require.NoError(t, err)

	require.NotNil(t, res.ExternalProbability)
	assert.InDelta(t, 42.0, *res.ExternalProbability, 1e-9)
	assert.True(t, res.IsFraudVerdict)

	// The model saw the gathered signals, not zeroes.
	assert.Equal(t, 1, pred.calls)
	assert.InDelta(t, 75, pred.fv.NumTxPerAddress, 1e-9)
}

func TestScoreTransaction_PredictorFailureIsNonFatal(t *testing.T) {
	src := &fakeSource{
		rec: cleanRecord(t),
		sig: risk.SignalSet{SenderTxCount: 50},
	}
	pred := &fakePredictor{err: predictor.ErrUnavailable}
	e := New(src, WithStore(newRecordingStore()), WithPredictor(pred))

	res, err := e.ScoreTransaction(context.Background(), testHash)
	require.NoError(t, err)

	assert.Nil(t, res.ExternalProbability)
	assert.False(t, res.IsFraudVerdict)
}

func TestScoreTransaction_NoPredictorConfigured(t *testing.T) {
	src := &fakeSource{rec: cleanRecord(t), sig: risk.SignalSet{SenderTxCount: 50}}
	e := New(src, WithStore(newRecordingStore()))

	res, err := e.ScoreTransaction(context.Background(), testHash)
	require.NoError(t, err)
	assert.Nil(t, res.ExternalProbability)
}

func TestScoreTransaction_BroadcastsResult(t *testing.T) {
	src := &fakeSource{rec: cleanRecord(t), sig: risk.SignalSet{SenderTxCount: 50}}
	b := &fakeBroadcaster{}
	e := New(src, WithStore(newRecordingStore()), WithBroadcaster(b))

	res, err := e.ScoreTransaction(context.Background(), testHash)
	require.NoError(t, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.results, 1)
	assert.Equal(t, res, b.results[0])
}

func TestScoreTransaction_FixedClock(t *testing.T) {
	src := &fakeSource{rec: cleanRecord(t), sig: risk.SignalSet{SenderTxCount: 50}}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := New(src, WithStore(newRecordingStore()), WithNow(func() time.Time { return at }))

	res, err := e.ScoreTransaction(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, at, res.EvaluatedAt)
}

func TestScoreTransaction_CustomThresholds(t *testing.T) {
	rec := cleanRecord(t)
	rec.ValueWei = eth(t, "2") // above the default 0.3 ETH cutoff

	// Raise the cutoff to 10 ETH; the transfer must no longer be flagged.
	th := risk.DefaultThresholds()
	th.HighValueEth = big.NewRat(10, 1)

	src := &fakeSource{rec: rec, sig: risk.SignalSet{SenderTxCount: 50}}
	e := New(src, WithStore(newRecordingStore()), WithThresholds(th))

	res, err := e.ScoreTransaction(context.Background(), testHash)
	require.NoError(t, err)
	assert.NotContains(t, res.Flags, risk.FlagHighValue)
}

func TestHistory_ReturnsStoredResults(t *testing.T) {
	src := &fakeSource{rec: cleanRecord(t), sig: risk.SignalSet{SenderTxCount: 50}}
	store := newRecordingStore()
	e := New(src, WithStore(store))

	_, err := e.ScoreTransaction(context.Background(), testHash)
	require.NoError(t, err)
	store.waitForWrite(t)

	results, err := e.History(context.Background(), "0x1111111111111111111111111111111111111111", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestStoreFailureDoesNotAffectResponse(t *testing.T) {
	src := &fakeSource{rec: cleanRecord(t), sig: risk.SignalSet{SenderTxCount: 50}}
	e := New(src, WithStore(failingStore{}))

	res, err := e.ScoreTransaction(context.Background(), testHash)
	require.NoError(t, err)
	assert.NotNil(t, res)
}

type failingStore struct{}

func (failingStore) Record(context.Context, *risk.Result) error {
	return errors.New("disk full")
}

func (failingStore) ListByAddress(context.Context, string, int) ([]*risk.Result, error) {
	return nil, errors.New("disk full")
}
