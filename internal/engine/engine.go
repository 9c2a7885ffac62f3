// Package engine orchestrates a full risk assessment: fetch and normalize the
// transaction, gather sender signals, run the rule evaluator, consult the
// external predictor, and assemble the final result.
//
// Failure policy differs by stage. Fetch and signal errors abort the call;
// a score produced from partial signals would be silently wrong. Predictor
// errors never abort; the model is advisory and the rule score stands alone.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/txsentry/internal/chain"
	"github.com/mbd888/txsentry/internal/logging"
	"github.com/mbd888/txsentry/internal/metrics"
	"github.com/mbd888/txsentry/internal/predictor"
	"github.com/mbd888/txsentry/internal/risk"
	"github.com/mbd888/txsentry/internal/traces"
)

// ChainSource fetches normalized records and sender signals.
type ChainSource interface {
	FetchRecord(ctx context.Context, txHash string) (*risk.TransactionRecord, error)
	Signals(ctx context.Context, rec *risk.TransactionRecord) (risk.SignalSet, error)
}

// Predictor scores a feature vector with the external model.
type Predictor interface {
	Predict(ctx context.Context, fv predictor.FeatureVector) (*predictor.Prediction, error)
}

// Broadcaster publishes completed assessments to live subscribers.
type Broadcaster interface {
	BroadcastAssessment(res *risk.Result)
}

// Engine runs assessments. Construct with New; the zero value is not usable.
type Engine struct {
	source      ChainSource
	predictor   Predictor // nil: predictions disabled
	store       risk.Store
	broadcaster Broadcaster // nil: no live streaming
	thresholds  risk.Thresholds
	logger      *slog.Logger
	now         func() time.Time

	// storeTimeout bounds the background audit write.
	storeTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithPredictor enables the external model.
func WithPredictor(p Predictor) Option {
	return func(e *Engine) { e.predictor = p }
}

// WithStore sets the audit store. Defaults to an in-memory store.
func WithStore(s risk.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithBroadcaster publishes each completed assessment.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.broadcaster = b }
}

// WithThresholds overrides the default rule thresholds.
func WithThresholds(th risk.Thresholds) Option {
	return func(e *Engine) { e.thresholds = th }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an assessment engine backed by the given chain source.
func New(source ChainSource, opts ...Option) *Engine {
	e := &Engine{
		source:       source,
		store:        risk.NewMemoryStore(),
		thresholds:   risk.DefaultThresholds(),
		logger:       slog.Default(),
		now:          time.Now,
		storeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Thresholds returns the active rule thresholds.
func (e *Engine) Thresholds() risk.Thresholds {
	return e.thresholds
}

// ScoreTransaction assesses the transaction with the given hash.
//
// Errors from the chain stage pass through unchanged so callers can map
// chain.ErrInvalidInput, chain.ErrNotFound, and chain.ErrSignalUnavailable
// to their own status codes.
func (e *Engine) ScoreTransaction(ctx context.Context, txHash string) (*risk.Result, error) {
	ctx, span := traces.StartSpan(ctx, "engine.ScoreTransaction", traces.TxHash(txHash))
	defer span.End()

	timer := prometheus.NewTimer(metrics.ScoringDuration)
	defer timer.ObserveDuration()

	log := logging.WithTxHash(ctx, txHash)

	rec, err := e.source.FetchRecord(ctx, txHash)
	if err != nil {
		outcome := fetchOutcome(err)
		metrics.ScoringsTotal.WithLabelValues(outcome).Inc()
		span.SetAttributes(traces.Outcome(outcome))
		log.Warn("transaction fetch failed", "error", err)
		return nil, err
	}
	span.SetAttributes(traces.SenderAddr(rec.From))

	sig, err := e.source.Signals(ctx, rec)
	if err != nil {
		metrics.ScoringsTotal.WithLabelValues("signals_unavailable").Inc()
		span.SetAttributes(traces.Outcome("signals_unavailable"))
		log.Warn("signal gathering failed", "error", err)
		return nil, err
	}

	// The predictor round-trip overlaps rule evaluation; both need the
	// signals but not each other.
	predCh := make(chan *predictor.Prediction, 1)
	go func() {
		predCh <- e.consultPredictor(ctx, log, rec, sig)
	}()

	assessment := risk.Evaluate(rec, sig, e.thresholds)
	metrics.RuleScores.Observe(assessment.Score)
	for _, f := range assessment.Flags {
		metrics.RiskFlagsTotal.WithLabelValues(string(f)).Inc()
	}

	res := &risk.Result{
		Hash:        rec.Hash,
		RuleScore:   assessment.Score,
		Flags:       assessment.Flags,
		Record:      rec,
		EvaluatedAt: e.now().UTC(),
	}

	if pred := <-predCh; pred != nil {
		scaled := pred.Probability * 100
		res.ExternalProbability = &scaled
		res.IsFraudVerdict = pred.IsFraud
	}

	metrics.ScoringsTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(
		traces.Outcome("ok"),
		traces.RuleScore(res.RuleScore),
		traces.FlagCount(len(res.Flags)),
	)
	log.Info("transaction scored",
		"rule_score", res.RuleScore,
		"flags", len(res.Flags),
		"is_fraud", res.IsFraudVerdict,
	)

	e.publish(res)
	return res, nil
}

// consultPredictor returns the model's verdict, or nil when the model is
// disabled or failed. Failure is logged and degrades the result, never the
// call.
func (e *Engine) consultPredictor(ctx context.Context, log *slog.Logger, rec *risk.TransactionRecord, sig risk.SignalSet) *predictor.Prediction {
	if e.predictor == nil {
		return nil
	}

	pred, err := e.predictor.Predict(ctx, predictor.FeaturesFrom(rec, sig))
	if err != nil {
		log.Warn("predictor unavailable, rule score stands alone", "error", err)
		return nil
	}
	return pred
}

// publish records the result for audit and streams it to subscribers. Both
// are off the response path.
func (e *Engine) publish(res *risk.Result) {
	if e.broadcaster != nil {
		e.broadcaster.BroadcastAssessment(res)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.storeTimeout)
		defer cancel()
		if err := e.store.Record(ctx, res); err != nil {
			e.logger.Error("audit store write failed", "tx_hash", res.Hash, "error", err)
		}
	}()
}

// Record fetches and normalizes a transaction without scoring it.
func (e *Engine) Record(ctx context.Context, txHash string) (*risk.TransactionRecord, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Record", traces.TxHash(txHash))
	defer span.End()

	return e.source.FetchRecord(ctx, txHash)
}

// History returns recent assessments for a sender address, newest first.
func (e *Engine) History(ctx context.Context, address string, limit int) ([]*risk.Result, error) {
	ctx, span := traces.StartSpan(ctx, "engine.History", traces.SenderAddr(address))
	defer span.End()

	return e.store.ListByAddress(ctx, address, limit)
}

func fetchOutcome(err error) string {
	switch {
	case errors.Is(err, chain.ErrInvalidInput), errors.Is(err, chain.ErrInvalidAddress):
		return "invalid_input"
	case errors.Is(err, chain.ErrNotFound):
		return "not_found"
	default:
		return "rpc_error"
	}
}
